package generateapplicationpdf

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"

	"onboarding-crm/internal/common/environment"
	apperrors "onboarding-crm/internal/common/errors"
	httpclient "onboarding-crm/internal/common/http"
	"onboarding-crm/internal/common/logger"
	"onboarding-crm/internal/models"
	"onboarding-crm/pkg/registry"
)

const (
	TaskType = "generate-application-pdf"
)

var (
	ErrRendererDisabled = errors.New("PDF_RENDERER_NOT_CONFIGURED")
	ErrEmptyPath        = errors.New("PDF_RENDERER_RETURNED_NO_PATH")
)

// Applications is the slice of the workflow controller the worker needs.
type Applications interface {
	Load(ctx context.Context, appID string) (*models.ProspectApplication, error)
	AttachPDF(ctx context.Context, appID, path string) (*models.ProspectApplication, error)
}

type Templates interface {
	Template(id string) (*registry.Template, bool)
}

type Handler struct {
	config    *Config
	apps      Applications
	templates Templates
	client    *httpclient.Client
	logger    logger.Logger
}

// NewHandler creates a new PDF generation handler.
func NewHandler(config *Config, apps Applications, templates Templates, log logger.Logger) *Handler {
	client := httpclient.NewClient(config.Timeout)
	if config.APIKey != "" {
		client = client.WithHeader("Authorization", "Bearer "+config.APIKey)
	}
	return &Handler{
		config:    config,
		apps:      apps,
		templates: templates,
		client:    client,
		logger:    log.WithFields(map[string]interface{}{"taskType": TaskType}),
	}
}

// Handle processes the Zeebe job.
func (h *Handler) Handle(ctx context.Context, client worker.JobClient, job entities.Job) error {
	var input Input
	if err := json.Unmarshal([]byte(job.Variables), &input); err != nil {
		return apperrors.NewBadRequestError(fmt.Sprintf("parse input: %v", err))
	}

	output, err := h.Execute(ctx, &input)
	if err != nil {
		return err
	}

	cmd, err := client.NewCompleteJobCommand().
		JobKey(job.Key).
		VariablesFromObject(output)
	if err != nil {
		return apperrors.NewInternalError(err)
	}
	if _, err := cmd.Send(ctx); err != nil {
		return apperrors.NewUpstreamFailedError("zeebe", err)
	}
	return nil
}

// Execute renders the application and records the returned path. The
// environment comes from input when ctx carries no resolution.
func (h *Handler) Execute(ctx context.Context, input *Input) (*Output, error) {
	if strings.TrimSpace(h.config.RendererURL) == "" {
		return nil, apperrors.NewUpstreamFailedError("pdf-renderer", ErrRendererDisabled)
	}
	if input.ApplicationID == "" {
		return nil, apperrors.NewBadRequestError("applicationId is required")
	}

	if _, ok := environment.FromContext(ctx); !ok {
		env, err := environment.Parse(input.Environment)
		if err != nil {
			return nil, err
		}
		ctx = environment.WithResolution(ctx, environment.Resolution{
			Environment:  env,
			IsProduction: env == environment.Production,
		})
	}

	app, err := h.apps.Load(ctx, input.ApplicationID)
	if err != nil {
		return nil, err
	}

	req := renderRequest{
		TemplateID:      app.TemplateID,
		ApplicationData: app.ApplicationData,
	}
	if tmpl, ok := h.templates.Template(app.TemplateID); ok {
		req.PDFTemplate = tmpl.PDFTemplate
	}
	if req.ApplicationData == nil {
		req.ApplicationData = map[string]interface{}{}
	}

	start := time.Now()
	var resp renderResponse
	if err := h.client.PostJSON(ctx, h.config.RendererURL, req, &resp); err != nil {
		h.logger.Error("PDF render failed", map[string]interface{}{
			"applicationId": app.ID,
			"error":         err.Error(),
		})
		return nil, apperrors.NewUpstreamFailedError("pdf-renderer", err)
	}
	if resp.Path == "" {
		return nil, apperrors.NewUpstreamFailedError("pdf-renderer", ErrEmptyPath)
	}

	updated, err := h.apps.AttachPDF(ctx, app.ID, resp.Path)
	if err != nil {
		return nil, err
	}

	h.logger.Info("PDF generated", map[string]interface{}{
		"applicationId": app.ID,
		"path":          resp.Path,
		"duration":      time.Since(start).String(),
	})
	return &Output{
		ApplicationID:    updated.ID,
		GeneratedPDFPath: resp.Path,
		GeneratedAt:      time.Now().UTC().Format(time.RFC3339),
	}, nil
}
