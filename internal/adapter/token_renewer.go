package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/record-exporter/internal/config"
	exporterrors "github.com/record-exporter/internal/errors"
	"github.com/record-exporter/internal/logging"
	"github.com/record-exporter/internal/models"
	"golang.org/x/oauth2"
)

// CredentialStore is the durable home of tenant credentials
type CredentialStore interface {
	Get(ctx context.Context, tenantID string) (*models.TenantCredential, error)
	Save(ctx context.Context, cred *models.TenantCredential) error
}

// OAuthTokenRenewer exchanges a refresh credential for a new pair and writes
// the pair back to the credential store before returning it.
type OAuthTokenRenewer struct {
	oauth      *oauth2.Config
	store      CredentialStore
	httpClient *http.Client
	now        func() time.Time
}

// NewOAuthTokenRenewer creates a renewer using the refresh-token grant
func NewOAuthTokenRenewer(cfg *config.OAuthConfig, store CredentialStore) *OAuthTokenRenewer {
	return &OAuthTokenRenewer{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		store:      store,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		now:        time.Now,
	}
}

// Renew runs the refresh grant for cred. A rejected grant is permanent: the
// tenant has to reconnect. Transport and 5xx failures stay transient.
func (r *OAuthTokenRenewer) Renew(ctx context.Context, cred *models.TenantCredential) (*models.TenantCredential, error) {
	if cred.RefreshToken == "" {
		return nil, exporterrors.NewReconnectRequiredError(cred.TenantID, errors.New("no refresh credential on file"))
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)
	// An empty access token forces the token source to refresh immediately
	token, err := r.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken}).Token()
	if err != nil {
		return nil, classifyRefreshError(cred.TenantID, err)
	}

	renewed := &models.TenantCredential{
		TenantID:     cred.TenantID,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.Expiry,
		UpdatedAt:    r.now().UTC(),
	}
	if renewed.RefreshToken == "" {
		renewed.RefreshToken = cred.RefreshToken
	}

	if err := r.store.Save(ctx, renewed); err != nil {
		return nil, exporterrors.NewDatabaseError("save renewed credential", err)
	}

	logging.FromContext(ctx).WithField("tenant_id", cred.TenantID).Info("Renewed tenant credential")
	return renewed, nil
}

func classifyRefreshError(tenantID string, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		status := retrieveErr.Response.StatusCode
		if status >= 500 || status == http.StatusTooManyRequests {
			return exporterrors.NewTransientError(exporterrors.CodeRemoteUnavailable,
				fmt.Sprintf("token endpoint unavailable (status %d)", status), err)
		}
		return exporterrors.NewReconnectRequiredError(tenantID, err)
	}
	return exporterrors.NewTransientError(exporterrors.CodeRemoteUnavailable, "token endpoint request failed", err)
}
