package integration

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/integration-hub/internal/platform/hl7v2"
	"github.com/ehr/integration-hub/internal/platform/provider"
	ierr "github.com/ehr/integration-hub/pkg/integration"
)

// maxWebhookBody bounds inbound callback payloads.
const maxWebhookBody = 1 << 20

// Handler exposes the integration layer over HTTP for the REST
// routing layer.
type Handler struct {
	service  *Service
	pipeline *Pipeline
	registry *provider.Registry
}

// NewHandler creates a Handler.
func NewHandler(service *Service, pipeline *Pipeline, registry *provider.Registry) *Handler {
	return &Handler{service: service, pipeline: pipeline, registry: registry}
}

// RegisterRoutes binds the integration routes on the given group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/status", h.status)

	g.POST("/:provider/auth", h.authenticate)
	g.GET("/:provider/callback", h.callback)

	g.GET("/:provider/patients", h.searchPatients)
	g.GET("/:provider/patients/:id", h.getPatient)
	g.POST("/:provider/patients", h.createResource(ResourcePatient))
	g.PUT("/:provider/patients/:id", h.updatePatient)
	g.GET("/:provider/patients/:id/record", h.patientRecord)

	g.GET("/:provider/observations", h.searchResource(ResourceObservation))
	g.POST("/:provider/observations", h.createResource(ResourceObservation))
	g.GET("/:provider/appointments", h.searchResource(ResourceAppointment))
	g.POST("/:provider/appointments", h.createResource(ResourceAppointment))

	g.POST("/:provider/webhook", h.webhook)
	g.GET("/:provider/webhooks/unprocessed", h.unprocessedReceipts)
	g.POST("/:provider/hl7", h.parseHL7)

	g.PUT("/:provider/config", h.upsertConfig)
	g.POST("/:provider/disable", h.setEnabled(false))
	g.POST("/:provider/enable", h.setEnabled(true))
}

// httpError maps the integration error taxonomy onto HTTP statuses.
func httpError(err error) error {
	var (
		cfgErr  *ierr.ConfigurationError
		authReq *ierr.AuthorizationRequired
		authErr *ierr.AuthenticationFailed
		rated   *ierr.RateLimited
		sigErr  *ierr.InvalidSignature
		malErr  *ierr.MalformedMessage
		upErr   *ierr.UpstreamError
	)
	switch {
	case errors.As(err, &cfgErr):
		return echo.NewHTTPError(http.StatusBadRequest, cfgErr.Error())
	case errors.As(err, &authReq):
		return echo.NewHTTPError(http.StatusUnauthorized, map[string]string{
			"error":             "authorization_required",
			"authorization_url": authReq.AuthorizeURL,
			"state":             authReq.State,
		})
	case errors.As(err, &authErr):
		return echo.NewHTTPError(http.StatusBadGateway, authErr.Error())
	case errors.As(err, &rated):
		e := echo.NewHTTPError(http.StatusTooManyRequests, rated.Error())
		return e
	case errors.As(err, &sigErr):
		return echo.NewHTTPError(http.StatusUnauthorized, sigErr.Error())
	case errors.As(err, &malErr):
		return echo.NewHTTPError(http.StatusBadRequest, malErr.Error())
	case errors.As(err, &upErr):
		return echo.NewHTTPError(http.StatusBadGateway, upErr.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) status(c echo.Context) error {
	return c.JSON(http.StatusOK, h.service.Status())
}

type authRequest struct {
	Code string `json:"code"`
}

func (h *Handler) authenticate(c echo.Context) error {
	var req authRequest
	_ = c.Bind(&req) // empty body is fine for non-interactive partners

	tok, err := h.service.Authenticate(c.Request().Context(), c.Param("provider"), req.Code)
	if err != nil {
		var authReq *ierr.AuthorizationRequired
		if errors.As(err, &authReq) {
			// Not a failure: the caller must redirect through the
			// partner's authorize endpoint.
			return c.JSON(http.StatusOK, map[string]string{
				"status":            "authorization_required",
				"authorization_url": authReq.AuthorizeURL,
				"state":             authReq.State,
			})
		}
		return httpError(err)
	}
	body := map[string]interface{}{"status": "authenticated"}
	if tok != nil {
		body["token_type"] = tok.TokenType
		body["expires_in"] = tok.ExpiresIn
	}
	return c.JSON(http.StatusOK, body)
}

func (h *Handler) callback(c echo.Context) error {
	tok, err := h.service.HandleCallback(c.Request().Context(), c.Param("provider"), c.QueryParam("code"), c.QueryParam("state"))
	if err != nil {
		return httpError(err)
	}
	body := map[string]interface{}{"status": "authenticated"}
	if tok != nil {
		body["expires_in"] = tok.ExpiresIn
	}
	return c.JSON(http.StatusOK, body)
}

func (h *Handler) getPatient(c echo.Context) error {
	res, err := h.service.GetResource(c.Request().Context(), c.Param("provider"), ResourcePatient, c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) searchPatients(c echo.Context) error {
	return h.searchResource(ResourcePatient)(c)
}

func (h *Handler) searchResource(resourceType string) echo.HandlerFunc {
	return func(c echo.Context) error {
		params := map[string]string{}
		for k, v := range c.QueryParams() {
			if len(v) > 0 {
				params[k] = v[0]
			}
		}
		results, err := h.service.SearchResources(c.Request().Context(), c.Param("provider"), resourceType, params)
		if err != nil {
			return httpError(err)
		}
		if results == nil {
			results = []ClinicalResource{}
		}
		return c.JSON(http.StatusOK, map[string]interface{}{
			"data":  results,
			"total": len(results),
		})
	}
}

func (h *Handler) createResource(resourceType string) echo.HandlerFunc {
	return func(c echo.Context) error {
		body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "read body: "+err.Error())
		}
		res, err := h.service.CreateResource(c.Request().Context(), c.Param("provider"), resourceType, body)
		if err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusCreated, res)
	}
}

func (h *Handler) updatePatient(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "read body: "+err.Error())
	}
	res, err := h.service.UpdateResource(c.Request().Context(), c.Param("provider"), ResourcePatient, c.Param("id"), body)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) patientRecord(c echo.Context) error {
	record, err := h.service.SyncPatientRecord(c.Request().Context(), c.Param("provider"), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, record)
}

func (h *Handler) webhook(c echo.Context) error {
	payload, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "read body: "+err.Error())
	}
	signature := c.Request().Header.Get("X-Webhook-Signature")

	receipt, err := h.pipeline.Receive(c.Request().Context(), c.Param("provider"), payload, signature)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"receipt_id": receipt.ID,
		"event":      receipt.EventType,
		"processed":  receipt.Processed,
	})
}

func (h *Handler) unprocessedReceipts(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	receipts, err := h.pipeline.receipts.ListUnprocessed(c.Request().Context(), c.Param("provider"), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if receipts == nil {
		receipts = []*WebhookReceipt{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": receipts, "total": len(receipts)})
}

func (h *Handler) parseHL7(c echo.Context) error {
	raw, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "read body: "+err.Error())
	}
	msg, err := hl7v2.Parse(string(hl7v2.UnwrapFrame(raw)))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"message": msg,
		"ack":     hl7v2.BuildAck(msg, "AA"),
	})
}

// providerConfigRequest is the JSON body for administrative provider
// updates. Durations are carried in milliseconds.
type providerConfigRequest struct {
	Name            string   `json:"name"`
	AuthKind        string   `json:"auth_kind"`
	ClientID        string   `json:"client_id"`
	ClientSecret    string   `json:"client_secret"`
	AuthorizeURL    string   `json:"authorize_url"`
	TokenURL        string   `json:"token_url"`
	RedirectURL     string   `json:"redirect_url"`
	BaseURL         string   `json:"base_url"`
	Scopes          []string `json:"scopes"`
	WebhookSecret   string   `json:"webhook_secret"`
	TimeoutMS       int      `json:"timeout_ms"`
	RetryAttempts   int      `json:"retry_attempts"`
	RetryDelayMS    int      `json:"retry_delay_ms"`
	RateLimit       int      `json:"rate_limit"`
	Enabled         bool     `json:"enabled"`
	AssertionKeyPEM string   `json:"assertion_key_pem"`
}

func (h *Handler) upsertConfig(c echo.Context) error {
	var req providerConfigRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	cfg := &provider.Config{
		ID:              c.Param("provider"),
		Name:            req.Name,
		AuthKind:        provider.AuthKind(req.AuthKind),
		ClientID:        req.ClientID,
		ClientSecret:    req.ClientSecret,
		AuthorizeURL:    req.AuthorizeURL,
		TokenURL:        req.TokenURL,
		RedirectURL:     req.RedirectURL,
		BaseURL:         req.BaseURL,
		Scopes:          req.Scopes,
		WebhookSecret:   req.WebhookSecret,
		Timeout:         time.Duration(req.TimeoutMS) * time.Millisecond,
		RetryAttempts:   req.RetryAttempts,
		RetryDelay:      time.Duration(req.RetryDelayMS) * time.Millisecond,
		RateLimit:       req.RateLimit,
		Enabled:         req.Enabled,
		AssertionKeyPEM: req.AssertionKeyPEM,
	}
	if err := h.registry.Upsert(c.Request().Context(), cfg); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "updated"})
}

func (h *Handler) setEnabled(enabled bool) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := h.registry.SetEnabled(c.Request().Context(), c.Param("provider"), enabled); err != nil {
			return httpError(err)
		}
		status := "disabled"
		if enabled {
			status = "enabled"
		}
		return c.JSON(http.StatusOK, map[string]string{"status": status})
	}
}
