package api

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"vpngate/internal/models"
)

// Properties is everything a session needs from the API after login.
type Properties struct {
	Servers      []models.Server
	Credentials  models.Credentials
	Location     *models.UserLocation
	ClientConfig models.ClientConfig
}

// ServerInfo is the subset refreshed after a disconnect.
type ServerInfo struct {
	Servers  []models.Server
	Location *models.UserLocation
}

func (c *Client) ClientCredentials(ctx context.Context) (models.Credentials, error) {
	var out credentialsResponse
	if err := c.call(ctx, http.MethodGet, "/vpn", nil, &out); err != nil {
		var apiErr *Error
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusForbidden && apiErr.Code == codeSubuserWithoutSessions {
			return models.Credentials{}, ErrSubuserWithoutSessions
		}
		return models.Credentials{}, err
	}
	return out.toModel(), nil
}

func (c *Client) Servers(ctx context.Context, ip string, freeTier bool) ([]models.Server, error) {
	q := url.Values{}
	if ip = TruncateIP(ip); ip != "" {
		q.Set("IP", ip)
	}
	if freeTier {
		q.Set("Tier", "0")
	}
	path := "/vpn/logicals"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out logicalsResponse
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}

	servers := make([]models.Server, 0, len(out.LogicalServers))
	for _, s := range out.LogicalServers {
		servers = append(servers, s.toModel())
	}
	return servers, nil
}

func (c *Client) UserLocation(ctx context.Context) (models.UserLocation, error) {
	var out locationResponse
	if err := c.callAnonymous(ctx, http.MethodGet, "/vpn/location", nil, &out); err != nil {
		return models.UserLocation{}, err
	}
	return out.toModel(), nil
}

func (c *Client) ClientConfig(ctx context.Context, ip string) (models.ClientConfig, error) {
	path := "/vpn/v2/clientconfig"
	if ip = TruncateIP(ip); ip != "" {
		path += "?" + url.Values{"IP": {ip}}.Encode()
	}
	var out clientConfigResponse
	if err := c.callAnonymous(ctx, http.MethodGet, path, nil, &out); err != nil {
		return models.ClientConfig{}, err
	}
	return out.toModel(), nil
}

// Properties fetches location, client config and credentials in parallel,
// then the server list scoped to the user's tier. The location is only looked
// up while disconnected; a failed location or client config lookup falls back
// to the last known location and the default config.
func (c *Client) Properties(ctx context.Context, disconnected bool, lastKnown *models.UserLocation, scopeToTier bool) (Properties, error) {
	props := Properties{Location: lastKnown, ClientConfig: models.DefaultClientConfig()}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if disconnected {
			if loc, err := c.UserLocation(gctx); err == nil {
				props.Location = &loc
			} else {
				log.WithError(err).Debug("User location lookup failed")
			}
		}
		ip := ""
		if props.Location != nil {
			ip = props.Location.IP
		}
		if cfg, err := c.ClientConfig(gctx, ip); err == nil {
			props.ClientConfig = cfg
		} else {
			log.WithError(err).Warn("Client config lookup failed, using defaults")
		}
		return nil
	})
	g.Go(func() error {
		creds, err := c.ClientCredentials(gctx)
		if err != nil {
			return err
		}
		props.Credentials = creds
		return nil
	})
	if err := g.Wait(); err != nil {
		return Properties{}, err
	}

	ip := ""
	if props.Location != nil {
		ip = props.Location.IP
	}
	freeTier := scopeToTier && props.Credentials.MaxTier == models.TierFree
	servers, err := c.Servers(ctx, ip, freeTier)
	if err != nil {
		return Properties{}, err
	}
	props.Servers = servers
	return props, nil
}

// RefreshServerInfo returns nil when the public IP still equals lastKnownIP.
func (c *Client) RefreshServerInfo(ctx context.Context, lastKnownIP string, freeTier bool) (*ServerInfo, error) {
	var loc *models.UserLocation
	if l, err := c.UserLocation(ctx); err == nil {
		loc = &l
	}
	if lastKnownIP != "" && loc != nil && loc.IP == lastKnownIP {
		return nil, nil
	}

	ip := ""
	if loc != nil {
		ip = loc.IP
	}
	servers, err := c.Servers(ctx, ip, freeTier)
	if err != nil {
		return nil, err
	}
	return &ServerInfo{Servers: servers, Location: loc}, nil
}
