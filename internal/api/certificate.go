package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"vpngate/internal/certrefresh"
	"vpngate/internal/models"
	"vpngate/internal/security"
)

const certificateDuration = "1440 min"

// FetchCertificate asks the API to sign the public key for a session
// certificate. Errors are translated into the certrefresh taxonomy.
func (c *Client) FetchCertificate(ctx context.Context, kp models.KeyPair, features models.CertificateFeatures) (models.Certificate, error) {
	device, _ := os.Hostname()
	req := certificateRequest{
		ClientPublicKey:     security.EncodeKey(kp.PublicKey),
		ClientPublicKeyMode: "EC",
		DeviceName:          device,
		Mode:                "session",
		Duration:            certificateDuration,
		Features: certificateFeatures{
			NetShieldLevel: int(features.NetShield),
			RandomNAT:      features.NATType == models.NATStrict,
			SafeMode:       features.SafeMode,
		},
	}

	var out certificateResponse
	if err := c.call(ctx, http.MethodPost, "/vpn/v1/certificate", req, &out); err != nil {
		return models.Certificate{}, certificateError(err)
	}

	return models.Certificate{
		Certificate: out.Certificate,
		ValidUntil:  time.Unix(out.ExpirationTime, 0).UTC(),
		RefreshTime: time.Unix(out.RefreshTime, 0).UTC(),
		Features:    features,
	}, nil
}

func certificateError(err error) error {
	if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrNotLoggedIn) {
		return certrefresh.ErrSessionExpiredOrMissing
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}

	var apiErr *Error
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %v", certrefresh.ErrInternal, err)
	}
	switch {
	case apiErr.Status == http.StatusTooManyRequests:
		return &certrefresh.TooManyRequestsError{RetryAfter: apiErr.RetryAfter}
	case apiErr.Code == codeKeyConflict:
		return certrefresh.ErrNeedNewKeys
	}
	return fmt.Errorf("%w: %v", certrefresh.ErrInternal, err)
}
