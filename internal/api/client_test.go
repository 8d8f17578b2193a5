package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vpngate/internal/certrefresh"
	"vpngate/internal/models"
)

type memoryAuth struct {
	mu   sync.Mutex
	auth *models.AuthCredentials
}

func (m *memoryAuth) Auth() (*models.AuthCredentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.auth == nil {
		return nil, nil
	}
	a := *m.auth
	return &a, nil
}

func (m *memoryAuth) StoreAuth(auth models.AuthCredentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auth = &auth
	return nil
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *memoryAuth) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	auth := &memoryAuth{auth: &models.AuthCredentials{Username: "alice", UID: "uid-1", AccessToken: "access-1", RefreshToken: "refresh-1"}}
	return New(srv.URL, "linux-vpn@1.0.0", time.Second, auth), auth
}

const logicalsBody = `{
  "Code": 1000,
  "LogicalServers": [
    {
      "ID": "srv-1", "Name": "CH#1", "EntryCountry": "CH", "ExitCountry": "CH", "Domain": "ch-01.example.com",
      "Tier": 2, "Features": 4, "City": "Zurich", "Status": 1, "Load": 23, "Score": 1.25,
      "Location": {"Lat": 47.3, "Long": 8.5},
      "Servers": [
        {"ID": "ip-1", "EntryIP": "198.51.100.1", "ExitIP": "198.51.100.2", "Domain": "ch-01.example.com", "Status": 1,
         "X25519PublicKey": "key=",
         "EntryPerProtocol": {"WireGuardTLS": {"IPv4": "198.51.100.9"}, "OpenVPNTCP": {"Ports": [22, 23]}, "Unknown": {}}}
      ]
    }
  ]
}`

func TestServersDecodesLogicals(t *testing.T) {
	var query string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/vpn/logicals", r.URL.Path)
		assert.Equal(t, "Bearer access-1", r.Header.Get("Authorization"))
		assert.Equal(t, "uid-1", r.Header.Get("x-pm-uid"))
		assert.Equal(t, "linux-vpn@1.0.0", r.Header.Get("x-pm-appversion"))
		query = r.URL.RawQuery
		io.WriteString(w, logicalsBody)
	})

	servers, err := client.Servers(context.Background(), "203.0.113.77", true)
	require.NoError(t, err)
	assert.Equal(t, "IP=203.0.113.0&Tier=0", query)

	require.Len(t, servers, 1)
	s := servers[0]
	assert.Equal(t, "CH#1", s.Name)
	assert.Equal(t, models.TierPlus, s.Tier)
	assert.True(t, s.Features.Has(models.FeatureP2P))
	assert.Equal(t, 23, s.Load)

	require.Len(t, s.IPs, 1)
	ip := s.IPs[0]
	entry, ok := ip.EntryIPFor(models.WireGuardTLS)
	require.True(t, ok)
	assert.Equal(t, "198.51.100.9", entry)
	assert.Equal(t, []int{22, 23}, ip.PortsFor(models.OpenVPNTCP))
	assert.False(t, ip.SupportsProtocol(models.WireGuardUDP))
	assert.Len(t, ip.ProtocolEntries, 2)
}

func TestExpiredTokenIsRefreshedOnce(t *testing.T) {
	var calls []string
	client, auth := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.URL.Path+" "+r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/auth/refresh":
			io.WriteString(w, `{"AccessToken":"access-2","RefreshToken":"refresh-2","UID":"uid-1"}`)
		case "/vpn":
			if r.Header.Get("Authorization") != "Bearer access-2" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			io.WriteString(w, `{"Code":1000,"Delinquent":0,"VPN":{"Name":"vpnuser","Password":"pw","PlanName":"vpnplus","MaxTier":2,"MaxConnect":10,"ExpirationTime":1735689600}}`)
		}
	})

	creds, err := client.ClientCredentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "vpnuser", creds.Username)
	assert.Equal(t, models.TierPlus, creds.MaxTier)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), creds.ExpirationTime)

	assert.Equal(t, []string{"/vpn Bearer access-1", "/auth/refresh ", "/vpn Bearer access-2"}, calls)
	stored, _ := auth.Auth()
	assert.Equal(t, "refresh-2", stored.RefreshToken)
}

func TestFailedRefreshIsUnauthorized(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := client.ClientCredentials(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestSubuserWithoutSessions(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		io.WriteString(w, `{"Code":86300,"Error":"no sessions"}`)
	})

	_, err := client.ClientCredentials(context.Background())
	assert.ErrorIs(t, err, ErrSubuserWithoutSessions)
}

func TestFreePlanCredentials(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"Code":1000,"Delinquent":3,"VPN":{"Name":"u","MaxConnect":1}}`)
	})

	creds, err := client.ClientCredentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "free", creds.AccountPlan)
	assert.Equal(t, models.TierFree, creds.MaxTier)
	assert.True(t, creds.IsDelinquent())
}

func TestCertificateErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		header string
		check  func(t *testing.T, err error)
	}{
		{
			name:   "rate limited",
			status: http.StatusTooManyRequests,
			header: "120",
			check: func(t *testing.T, err error) {
				var tooMany *certrefresh.TooManyRequestsError
				require.ErrorAs(t, err, &tooMany)
				assert.Equal(t, 2*time.Minute, tooMany.RetryAfter)
			},
		},
		{
			name:   "key conflict",
			status: http.StatusUnprocessableEntity,
			body:   `{"Code":2500}`,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, certrefresh.ErrNeedNewKeys)
			},
		},
		{
			name:   "server error",
			status: http.StatusInternalServerError,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, certrefresh.ErrInternal)
			},
		},
		{
			name:   "unauthorized",
			status: http.StatusUnauthorized,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, certrefresh.ErrSessionExpiredOrMissing)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if tt.header != "" {
					w.Header().Set("Retry-After", tt.header)
				}
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			})
			_, err := client.FetchCertificate(context.Background(), models.KeyPair{}, models.CertificateFeatures{})
			tt.check(t, err)
		})
	}
}

func TestFetchCertificate(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/vpn/v1/certificate", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), `"NetShieldLevel":2`)
		assert.Contains(t, string(body), `"Mode":"session"`)
		io.WriteString(w, `{"Certificate":"PEM","ExpirationTime":1735732800,"RefreshTime":1735711200}`)
	})

	features := models.CertificateFeatures{NetShield: models.NetShieldAdsAndMalware}
	cert, err := client.FetchCertificate(context.Background(), models.KeyPair{}, features)
	require.NoError(t, err)
	assert.Equal(t, "PEM", cert.Certificate)
	assert.Equal(t, time.Date(2025, 1, 1, 6, 0, 0, 0, time.UTC), cert.RefreshTime)
	assert.Equal(t, features, cert.Features)
}

func TestPropertiesFallsBackToDefaultConfig(t *testing.T) {
	var serverQuery string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/vpn/location":
			io.WriteString(w, `{"IP":"203.0.113.5","Country":"SE","ISP":"isp"}`)
		case "/vpn/v2/clientconfig":
			w.WriteHeader(http.StatusInternalServerError)
		case "/vpn":
			io.WriteString(w, `{"Code":1000,"VPN":{"Name":"u","MaxConnect":1}}`)
		case "/vpn/logicals":
			serverQuery = r.URL.RawQuery
			io.WriteString(w, logicalsBody)
		}
	})

	props, err := client.Properties(context.Background(), true, nil, true)
	require.NoError(t, err)
	require.NotNil(t, props.Location)
	assert.Equal(t, "SE", props.Location.Country)
	assert.Equal(t, models.DefaultClientConfig(), props.ClientConfig)
	assert.Len(t, props.Servers, 1)
	assert.Equal(t, "IP=203.0.113.0&Tier=0", serverQuery)
}

func TestClientConfigOverridesDefaults(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{
		  "FeatureFlags": {"WireGuardTls": false, "ShowNewFreePlan": true, "EnforceDeprecatedProtocols": true},
		  "SmartProtocol": {"WireGuard": true, "OpenVPN": true},
		  "ChangeServerAttemptLimit": 4,
		  "ChangeServerShortDelayInSeconds": 30,
		  "DeprecatedProtocols": ["OpenVPNUDP"]
		}`)
	})

	cfg, err := client.ClientConfig(context.Background(), "")
	require.NoError(t, err)
	assert.False(t, cfg.FeatureFlags.WireGuardTLS)
	assert.True(t, cfg.FeatureFlags.NetShield)
	assert.True(t, cfg.FeatureFlags.ShowNewFreePlan)
	assert.Equal(t, []models.VPNProtocol{models.WireGuardUDP, models.OpenVPNUDP}, cfg.SmartProtocol.SupportedProtocols())
	assert.Equal(t, 4, cfg.ServerChange.AttemptLimit)
	assert.Equal(t, 30*time.Second, cfg.ServerChange.ShortDelay)
	assert.Equal(t, 20*time.Minute, cfg.ServerChange.LongDelay)
	assert.True(t, cfg.IsDeprecated(models.OpenVPNUDP))
}

func TestRefreshServerInfoSkipsWhenIPUnchanged(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/vpn/location":
			io.WriteString(w, `{"IP":"203.0.113.5"}`)
		case "/vpn/logicals":
			io.WriteString(w, logicalsBody)
		}
	})

	info, err := client.RefreshServerInfo(context.Background(), "203.0.113.5", false)
	require.NoError(t, err)
	assert.Nil(t, info)

	info, err = client.RefreshServerInfo(context.Background(), "203.0.113.9", false)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Len(t, info.Servers, 1)
}

func TestTruncateIP(t *testing.T) {
	assert.Equal(t, "203.0.113.0", TruncateIP("203.0.113.77"))
	assert.Equal(t, "2001:db8:85a3:8d3:1319:8a2e:370::", TruncateIP("2001:db8:85a3:8d3:1319:8a2e:370:7348"))
	assert.Equal(t, "", TruncateIP(""))
}
