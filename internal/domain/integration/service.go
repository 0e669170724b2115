package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ehr/integration-hub/internal/platform/provider"
	"github.com/ehr/integration-hub/internal/platform/ratelimit"
	"github.com/ehr/integration-hub/internal/platform/token"
	"github.com/ehr/integration-hub/internal/platform/upstream"
)

// Service is the resource-operation façade. All partner conventions
// (paths, bundle envelopes) are translated here so callers work with
// one uniform surface.
type Service struct {
	registry *provider.Registry
	tokens   *token.Manager
	client   *upstream.Client
	limiter  *ratelimit.Limiter
}

// NewService creates the façade.
func NewService(registry *provider.Registry, tokens *token.Manager, client *upstream.Client, limiter *ratelimit.Limiter) *Service {
	return &Service{registry: registry, tokens: tokens, client: client, limiter: limiter}
}

// Authenticate runs the partner's credential acquisition. For
// interactive partners without a code this returns
// AuthorizationRequired carrying the redirect URL.
func (s *Service) Authenticate(ctx context.Context, providerID, code string) (*token.AuthToken, error) {
	return s.tokens.Authenticate(ctx, providerID, code)
}

// HandleCallback completes an interactive flow: the state nonce must
// match an outstanding authorization for this partner.
func (s *Service) HandleCallback(ctx context.Context, providerID, code, state string) (*token.AuthToken, error) {
	issuedTo, ok := s.tokens.ConsumeState(state)
	if !ok || issuedTo != providerID {
		return nil, fmt.Errorf("integration: provider %q: unknown or mismatched state", providerID)
	}
	return s.tokens.Authenticate(ctx, providerID, code)
}

// GetResource fetches one resource by id.
func (s *Service) GetResource(ctx context.Context, providerID, resourceType, id string) (*ClinicalResource, error) {
	resp, err := s.client.Do(ctx, providerID, http.MethodGet, resourceType+"/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	return decodeResource(resourceType, resp.Body)
}

// SearchResources runs a search and unwraps the partner's paginated
// bundle into a flat sequence, preserving the partner-returned order.
// No re-sorting happens here.
func (s *Service) SearchResources(ctx context.Context, providerID, resourceType string, params map[string]string) ([]ClinicalResource, error) {
	path := resourceType
	if len(params) > 0 {
		q := url.Values{}
		for k, v := range params {
			q.Set(k, v)
		}
		path += "?" + q.Encode()
	}
	resp, err := s.client.Do(ctx, providerID, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	return decodeBundle(resourceType, resp.Body)
}

// CreateResource posts a new resource to the partner.
func (s *Service) CreateResource(ctx context.Context, providerID, resourceType string, body json.RawMessage) (*ClinicalResource, error) {
	resp, err := s.client.Do(ctx, providerID, http.MethodPost, resourceType, body)
	if err != nil {
		return nil, err
	}
	return decodeResource(resourceType, resp.Body)
}

// UpdateResource replaces a resource at the partner.
func (s *Service) UpdateResource(ctx context.Context, providerID, resourceType, id string, body json.RawMessage) (*ClinicalResource, error) {
	resp, err := s.client.Do(ctx, providerID, http.MethodPut, resourceType+"/"+url.PathEscape(id), body)
	if err != nil {
		return nil, err
	}
	return decodeResource(resourceType, resp.Body)
}

// SyncPatientRecord fetches the patient's demographics, observations,
// and appointments concurrently. The composite fails entirely when any
// sub-fetch fails; there is no partial-success contract.
func (s *Service) SyncPatientRecord(ctx context.Context, providerID, patientID string) (*PatientRecord, error) {
	record := &PatientRecord{Provider: providerID, PatientID: patientID}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		patient, err := s.GetResource(ctx, providerID, ResourcePatient, patientID)
		if err != nil {
			return err
		}
		record.Patient = patient
		return nil
	})
	g.Go(func() error {
		obs, err := s.SearchResources(ctx, providerID, ResourceObservation, map[string]string{"patient": patientID})
		if err != nil {
			return err
		}
		record.Observations = obs
		return nil
	})
	g.Go(func() error {
		appts, err := s.SearchResources(ctx, providerID, ResourceAppointment, map[string]string{"patient": patientID})
		if err != nil {
			return err
		}
		record.Appointments = appts
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	record.SyncedAt = time.Now()
	return record, nil
}

// Status returns the per-partner integration snapshot.
func (s *Service) Status() []ProviderStatus {
	var out []ProviderStatus
	for _, cfg := range s.registry.All() {
		out = append(out, ProviderStatus{
			Provider:      cfg.ID,
			Name:          cfg.Name,
			AuthKind:      string(cfg.AuthKind),
			Enabled:       cfg.Enabled,
			TokenValid:    s.tokens.Token(cfg.ID) != nil || cfg.AuthKind == provider.AuthNone,
			RateRemaining: s.limiter.Remaining(cfg.ID, cfg.RateLimit),
			RateResetAt:   s.limiter.ResetAt(cfg.ID),
		})
	}
	return out
}

// ---------------------------------------------------------------------------
// Partner payload decoding
// ---------------------------------------------------------------------------

// nativeResource is the subset of a partner resource this layer
// normalizes; the full payload rides along untouched.
type nativeResource struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
	Status       string `json:"status"`
	Subject      struct {
		Reference string `json:"reference"`
	} `json:"subject"`
}

// nativeBundle is the partner's paginated search envelope.
type nativeBundle struct {
	Entry []struct {
		Resource json.RawMessage `json:"resource"`
	} `json:"entry"`
}

func decodeResource(resourceType string, body []byte) (*ClinicalResource, error) {
	var native nativeResource
	if err := json.Unmarshal(body, &native); err != nil {
		return nil, fmt.Errorf("integration: decode %s payload: %w", resourceType, err)
	}
	res := &ClinicalResource{
		Type:    resourceType,
		ID:      native.ID,
		Status:  native.Status,
		Subject: native.Subject.Reference,
		Payload: json.RawMessage(body),
	}
	if native.ResourceType != "" {
		res.Type = native.ResourceType
	}
	return res, nil
}

func decodeBundle(resourceType string, body []byte) ([]ClinicalResource, error) {
	var bundle nativeBundle
	if err := json.Unmarshal(body, &bundle); err != nil {
		return nil, fmt.Errorf("integration: decode %s bundle: %w", resourceType, err)
	}
	out := make([]ClinicalResource, 0, len(bundle.Entry))
	for _, entry := range bundle.Entry {
		res, err := decodeResource(resourceType, entry.Resource)
		if err != nil {
			return nil, err
		}
		out = append(out, *res)
	}
	return out, nil
}
