package app

import (
	"log/slog"

	"github.com/relaycrm/outreach/internal/outreach_service/domain"
	"github.com/relaycrm/outreach/internal/platform/clock"
)

// Repositories groups the persistence the engine writes to.
type Repositories struct {
	Suggestions domain.SuggestionRepository
	Jobs        domain.JobRepository
	Activity    domain.ActivityRepository
	Watermarks  domain.WatermarkRepository
}

// Collaborators groups the external systems the engine calls. Completer
// and Publisher may be nil.
type Collaborators struct {
	Provider  domain.MessageProvider
	Contacts  domain.ContactDirectory
	Completer domain.TextCompleter
	Publisher domain.EventPublisher
}

// EngineConfig bundles the per-component settings.
type EngineConfig struct {
	Scheduler      SchedulerConfig
	Send           SendConfig
	Correlator     CorrelatorConfig
	Drafts         DraftConfig
	DefaultAccount string
}

// Engine is the assembled outreach engine.
type Engine struct {
	Store      *SuggestionStore
	Scheduler  *Scheduler
	Sender     *SendPipeline
	Correlator *Correlator
	Drafts     *DraftGenerator
	Approval   *ApprovalService
}

// NewEngine wires every component around the given repositories.
func NewEngine(repos Repositories, ext Collaborators, clk clock.Clock, logger *slog.Logger, cfg EngineConfig) *Engine {
	publisher := ext.Publisher
	if publisher == nil {
		publisher = NoopPublisher{}
	}

	store := NewSuggestionStore(repos.Suggestions, clk, logger)
	scheduler := NewScheduler(repos.Jobs, store, clk, logger, cfg.Scheduler)
	sender := NewSendPipeline(store, scheduler, repos.Activity, ext.Contacts, ext.Provider, publisher, clk, logger, cfg.Send)
	scheduler.SetHandler(sender)

	correlator := NewCorrelator(ext.Provider, ext.Contacts, repos.Activity, repos.Watermarks, store, scheduler, publisher, clk, logger, cfg.Correlator)
	drafts := NewDraftGenerator(ext.Completer, clk, logger, cfg.Drafts)
	approval := NewApprovalService(store, scheduler, drafts, ext.Contacts, repos.Activity, publisher, clk, logger, cfg.DefaultAccount)

	return &Engine{
		Store:      store,
		Scheduler:  scheduler,
		Sender:     sender,
		Correlator: correlator,
		Drafts:     drafts,
		Approval:   approval,
	}
}
