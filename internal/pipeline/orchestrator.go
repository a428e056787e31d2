package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"deckforge/internal/artifact"
	"deckforge/internal/config"
	"deckforge/internal/deck"
	"deckforge/internal/financials"
	"deckforge/internal/generate"
	"deckforge/internal/mining"
	"deckforge/internal/models"
	"deckforge/internal/publicdata"
	"deckforge/internal/retry"
	"deckforge/internal/store"
	"deckforge/internal/telemetry"
)

// JobStore is the persistence surface the orchestrator needs.
type JobStore interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	AdvanceStage(ctx context.Context, id, from, to, line string) error
	AppendLog(ctx context.Context, id, line string) error
	MarkError(ctx context.Context, id, message string) error
	SetOutput(ctx context.Context, id, outputKey string) error
	AddCost(ctx context.Context, id string, cents int64, event string, metadata map[string]any) error
}

// JobQueue schedules job ids for worker pickup.
type JobQueue interface {
	Enqueue(ctx context.Context, jobID string, runAt time.Time) error
}

// Locks guards each job so only one worker runs its stages at a time.
type Locks interface {
	AcquireLock(ctx context.Context, jobID, token string) (bool, error)
	ExtendLock(ctx context.Context, jobID, token string) error
	ReleaseLock(ctx context.Context, jobID, token string) error
}

const centsPerProviderCall = 2

// Orchestrator drives jobs through the stage pipeline. Each Advance call
// executes exactly one stage and persists its product to the artifact
// store, so a redelivered job resumes where it left off.
type Orchestrator struct {
	store     JobStore
	queue     JobQueue
	locks     Locks
	artifacts artifact.Store
	fetcher   *publicdata.Fetcher
	gen       *generate.Generator
	cfg       config.Config
	log       *slog.Logger
}

func NewOrchestrator(st JobStore, q JobQueue, locks Locks, artifacts artifact.Store,
	fetcher *publicdata.Fetcher, gen *generate.Generator, cfg config.Config, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		store:     st,
		queue:     q,
		locks:     locks,
		artifacts: artifacts,
		fetcher:   fetcher,
		gen:       gen,
		cfg:       cfg,
		log:       log,
	}
}

// SubmitRequest carries the uploads and options for a new deck job.
type SubmitRequest struct {
	UserID         string
	CompanyName    string
	Website        string
	PullPublicData bool
	Template       []byte
	Financials     []byte
	Bundle         []byte
}

// Submit validates a submission, stores its uploads, creates the job row,
// and enqueues it. Validation failures come back as validation errors and
// never create a job.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (models.Job, error) {
	if strings.TrimSpace(req.CompanyName) == "" {
		return models.Job{}, ValidationError("company name is required")
	}
	if len(req.Template) == 0 {
		return models.Job{}, ValidationError("a presentation template is required")
	}
	if req.PullPublicData {
		if req.Website == "" {
			return models.Job{}, ValidationError("a website is required to pull public data")
		}
		if _, err := url.Parse(normalizeURL(req.Website)); err != nil {
			return models.Job{}, ValidationError("website %q is not a valid URL", req.Website)
		}
	}
	if _, err := deck.Analyze(req.Template); err != nil {
		switch {
		case errors.Is(err, deck.ErrNotPresentation):
			return models.Job{}, ValidationError("template is not a PowerPoint presentation")
		case errors.Is(err, deck.ErrNoTokens):
			return models.Job{}, ValidationError("template contains no {{...}} placeholders")
		default:
			return models.Job{}, ValidationError("template could not be read: %v", err)
		}
	}

	prefix := "uploads/" + uuid.New().String()
	templateKey := prefix + "/template.pptx"
	if err := o.artifacts.Put(ctx, templateKey, req.Template, pptxContentType); err != nil {
		return models.Job{}, fmt.Errorf("store template: %w", err)
	}
	var financialsKey, bundleKey string
	if len(req.Financials) > 0 {
		financialsKey = prefix + "/financials.xlsx"
		if err := o.artifacts.Put(ctx, financialsKey, req.Financials, xlsxContentType); err != nil {
			return models.Job{}, fmt.Errorf("store financials: %w", err)
		}
	}
	if len(req.Bundle) > 0 {
		bundleKey = prefix + "/bundle.zip"
		if err := o.artifacts.Put(ctx, bundleKey, req.Bundle, "application/zip"); err != nil {
			return models.Job{}, fmt.Errorf("store bundle: %w", err)
		}
	}

	job, err := o.store.CreateJob(ctx, store.CreateJobParams{
		UserID:         req.UserID,
		CompanyName:    strings.TrimSpace(req.CompanyName),
		Website:        req.Website,
		PullPublicData: req.PullPublicData,
		TemplateKey:    templateKey,
		FinancialsKey:  financialsKey,
		BundleKey:      bundleKey,
	})
	if err != nil {
		return models.Job{}, fmt.Errorf("create job: %w", err)
	}
	if err := o.queue.Enqueue(ctx, job.ID, time.Now()); err != nil {
		return models.Job{}, fmt.Errorf("enqueue job: %w", err)
	}
	telemetry.JobsSubmitted.Inc()
	o.log.Info("job submitted", "job", job.ID, "company", job.CompanyName, "user", job.UserID)
	return job, nil
}

const (
	pptxContentType = "application/vnd.openxmlformats-officedocument.presentationml.presentation"
	xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// Advance runs the next stage of a job. It returns true when the job has
// reached a terminal state and should be acked instead of re-enqueued.
// Errors are infrastructure failures; domain failures mark the job errored
// and count as done.
func (o *Orchestrator) Advance(ctx context.Context, jobID string) (bool, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		o.log.Warn("dequeued unknown job", "job", jobID)
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if models.IsTerminal(job.Status) {
		return true, nil
	}

	token := uuid.New().String()
	acquired, err := o.locks.AcquireLock(ctx, jobID, token)
	if err != nil {
		return false, err
	}
	if !acquired {
		// Another worker holds the job; let the lease redeliver it.
		return false, nil
	}
	defer func() {
		if relErr := o.locks.ReleaseLock(context.WithoutCancel(ctx), jobID, token); relErr != nil {
			o.log.Warn("release job lock", "job", jobID, "error", relErr)
		}
	}()

	if job.CancelRequested {
		if err := o.store.MarkError(ctx, jobID, "cancelled by user"); err != nil {
			return false, err
		}
		telemetry.JobsCancelled.Inc()
		o.log.Info("job cancelled", "job", jobID)
		return true, nil
	}

	var stageErr error
	switch job.Status {
	case models.StatusQueued:
		stageErr = o.stageParseFinancials(ctx, job)
	case models.StatusParsingFinancials:
		stageErr = o.stageMineDocuments(ctx, job)
	case models.StatusMiningDocuments:
		stageErr = o.stageFetchPublicData(ctx, job)
	case models.StatusFetchingPublicData:
		// The build stage runs generation and can outlive the initial lock
		// TTL; refresh it before starting.
		if err := o.locks.ExtendLock(ctx, jobID, token); err != nil {
			o.log.Warn("extend job lock", "job", jobID, "error", err)
		}
		stageErr = o.stageBuildSlides(ctx, job)
	case models.StatusBuildingSlides, models.StatusFinalizing:
		// A job resting in finalizing is crash recovery: the transition
		// committed but the output pointer did not.
		if err := o.stageFinalize(ctx, job); err != nil {
			stageErr = err
		} else {
			telemetry.JobsCompleted.Inc()
			return true, nil
		}
	default:
		o.log.Warn("job in unexpected status", "job", jobID, "status", job.Status)
		return true, nil
	}

	if stageErr != nil {
		if errors.Is(stageErr, store.ErrStaleTransition) {
			// Redelivered work someone else already did.
			return false, nil
		}
		if ClassifyKind(stageErr) == KindInternal {
			return false, stageErr
		}
		if err := o.store.MarkError(ctx, jobID, UserMessage(stageErr)); err != nil {
			return false, err
		}
		telemetry.JobsFailed.Inc()
		o.log.Warn("job failed", "job", jobID, "stage", job.Status, "error", stageErr)
		return true, nil
	}
	return false, nil
}

// Stages persist their product before committing the status transition: a
// crash between the two re-runs the stage instead of leaving an advanced
// job whose artifact never made it to the store.

func (o *Orchestrator) stageParseFinancials(ctx context.Context, job models.Job) error {
	var series []financials.Series
	detail := "No financials provided; chart placeholders will be marked unverified"
	if job.FinancialsKey != nil {
		data, err := o.artifacts.Get(ctx, *job.FinancialsKey)
		if err != nil {
			return fmt.Errorf("load financials: %w", err)
		}
		series, err = financials.Parse(data)
		if err != nil {
			if errors.Is(err, financials.ErrNoSeries) {
				return DataError(err, "the financials workbook contains no usable data series")
			}
			return DataError(err, "the financials workbook could not be read")
		}
		detail = fmt.Sprintf("Parsed %d financial series", len(series))
	}
	if err := o.putJSON(ctx, job.ID, "series.json", series); err != nil {
		return err
	}
	if err := o.store.AdvanceStage(ctx, job.ID, models.StatusQueued,
		models.StatusParsingFinancials, "Parsing financial statements"); err != nil {
		return err
	}
	return o.store.AppendLog(ctx, job.ID, detail)
}

func (o *Orchestrator) stageMineDocuments(ctx context.Context, job models.Job) error {
	var docs []mining.Document
	detail := "No document bundle provided"
	if job.BundleKey != nil {
		data, err := o.artifacts.Get(ctx, *job.BundleKey)
		if err != nil {
			return fmt.Errorf("load bundle: %w", err)
		}
		docs, err = mining.Mine(ctx, data, o.log)
		if err != nil {
			return DataError(err, "the document bundle could not be read")
		}
		detail = fmt.Sprintf("Extracted text from %d documents", len(docs))
	}
	if err := o.putJSON(ctx, job.ID, "corpus.json", docs); err != nil {
		return err
	}
	if err := o.store.AdvanceStage(ctx, job.ID, models.StatusParsingFinancials,
		models.StatusMiningDocuments, "Mining document bundle"); err != nil {
		return err
	}
	return o.store.AppendLog(ctx, job.ID, detail)
}

func (o *Orchestrator) stageFetchPublicData(ctx context.Context, job models.Job) error {
	facts := map[string]string{}
	detail := "Public data pull not requested"
	if job.PullPublicData && job.Website != nil {
		var result *publicdata.Result
		attempts := o.cfg.PublicFetchAttempts
		err := retry.Do(ctx, attempts, 2*time.Second, 30*time.Second, func() error {
			var fetchErr error
			result, fetchErr = o.fetcher.Fetch(ctx, *job.Website)
			if fetchErr != nil {
				telemetry.StageRetries.Inc()
			}
			return fetchErr
		})
		if err != nil {
			telemetry.StagesDegraded.Inc()
			detail = "Continuing without public web data: " + err.Error()
		} else {
			facts = result.Facts
			if len(result.Logo) > 0 {
				if err := o.artifacts.Put(ctx, jobKey(job.ID, "logo.png"), result.Logo, "image/png"); err != nil {
					return fmt.Errorf("store logo: %w", err)
				}
			}
			detail = fmt.Sprintf("Collected %d public facts", len(facts))
		}
	}
	if err := o.putJSON(ctx, job.ID, "facts.json", facts); err != nil {
		return err
	}
	if err := o.store.AdvanceStage(ctx, job.ID, models.StatusMiningDocuments,
		models.StatusFetchingPublicData, "Fetching public web data"); err != nil {
		return err
	}
	return o.store.AppendLog(ctx, job.ID, detail)
}

func (o *Orchestrator) stageBuildSlides(ctx context.Context, job models.Job) error {
	template, err := o.artifacts.Get(ctx, job.TemplateKey)
	if err != nil {
		return fmt.Errorf("load template: %w", err)
	}
	model, err := deck.Analyze(template)
	if err != nil {
		return TemplateError(err, "template could not be analyzed")
	}

	var series []financials.Series
	if err := o.getJSON(ctx, job.ID, "series.json", &series); err != nil {
		return err
	}
	var docs []mining.Document
	if err := o.getJSON(ctx, job.ID, "corpus.json", &docs); err != nil {
		return err
	}
	facts := map[string]string{}
	if err := o.getJSON(ctx, job.ID, "facts.json", &facts); err != nil {
		return err
	}
	logo, logoErr := o.artifacts.Get(ctx, jobKey(job.ID, "logo.png"))
	if logoErr != nil {
		logo = nil // optional
	}

	website := ""
	if job.Website != nil {
		website = *job.Website
	}
	values, stats, err := o.gen.Resolve(ctx, generate.Input{
		CompanyName: job.CompanyName,
		Website:     website,
		Tokens:      model.Tokens,
		Documents:   docs,
		Series:      series,
		Facts:       facts,
	})
	if err != nil {
		if errors.Is(err, generate.ErrAllTokensFailed) {
			return DataError(err, "content generation failed for every placeholder")
		}
		return fmt.Errorf("generate content: %w", err)
	}
	telemetry.TokensGenerated.Add(float64(stats.Resolved))
	telemetry.TokensDegraded.Add(float64(stats.Degraded))

	output, err := deck.Build(deck.BuildInput{
		Template: template,
		Model:    model,
		Values:   values,
		Logo:     logo,
	})
	if err != nil {
		return AssemblyError(err, "presentation could not be assembled: %v", err)
	}
	if err := o.artifacts.Put(ctx, jobKey(job.ID, "output.pptx"), output, pptxContentType); err != nil {
		return fmt.Errorf("store output: %w", err)
	}
	if err := o.store.AdvanceStage(ctx, job.ID, models.StatusFetchingPublicData,
		models.StatusBuildingSlides, "Generating slide content"); err != nil {
		return err
	}
	cost := int64(stats.ProviderCalls) * centsPerProviderCall
	if err := o.store.AddCost(ctx, job.ID, cost, "generation", map[string]any{
		"provider_calls": stats.ProviderCalls,
		"tokens":         len(model.Tokens),
		"degraded":       stats.Degraded,
	}); err != nil {
		return err
	}
	if stats.Degraded > 0 {
		if err := o.store.AppendLog(ctx, job.ID,
			fmt.Sprintf("%d placeholders marked unverified", stats.Degraded)); err != nil {
			return err
		}
	}
	return o.store.AppendLog(ctx, job.ID, fmt.Sprintf("Filled %d placeholders across %d slides",
		len(model.Tokens), len(model.Slides)))
}

func (o *Orchestrator) stageFinalize(ctx context.Context, job models.Job) error {
	outputKey := jobKey(job.ID, "output.pptx")
	if _, err := o.artifacts.Get(ctx, outputKey); err != nil {
		return AssemblyError(err, "finished presentation is missing")
	}
	if job.Status == models.StatusBuildingSlides {
		if err := o.store.AdvanceStage(ctx, job.ID, models.StatusBuildingSlides,
			models.StatusFinalizing, "Finalizing presentation"); err != nil {
			return err
		}
	}
	if err := o.store.SetOutput(ctx, job.ID, outputKey); err != nil {
		return err
	}
	o.log.Info("job complete", "job", job.ID)
	return nil
}

// ResultURL signs a time-limited download link for a finished deck.
func (o *Orchestrator) ResultURL(ctx context.Context, outputKey string) (string, error) {
	return o.artifacts.URL(ctx, outputKey, o.cfg.ResultURLTTL)
}

func jobKey(jobID, name string) string {
	return "jobs/" + jobID + "/" + name
}

func (o *Orchestrator) putJSON(ctx context.Context, jobID, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	if err := o.artifacts.Put(ctx, jobKey(jobID, name), data, "application/json"); err != nil {
		return fmt.Errorf("store %s: %w", name, err)
	}
	return nil
}

func (o *Orchestrator) getJSON(ctx context.Context, jobID, name string, v any) error {
	data, err := o.artifacts.Get(ctx, jobKey(jobID, name))
	if err != nil {
		return fmt.Errorf("load %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", name, err)
	}
	return nil
}

func normalizeURL(raw string) string {
	if !strings.Contains(raw, "://") {
		return "https://" + raw
	}
	return raw
}
