package cli

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"arsynth/internal/atomdb"
	"arsynth/internal/config"
	"arsynth/internal/core"
	"arsynth/internal/emission"
	"arsynth/internal/heating"
	"arsynth/internal/instrument"
	"arsynth/internal/logging"
	"arsynth/internal/nei"
	"arsynth/internal/observer"
	"arsynth/internal/pipeline"
	"arsynth/internal/rowstore"
	"arsynth/internal/state"
	"arsynth/internal/trace"
)

// session holds everything one command needs: the restored checkpoints,
// the row store and the bookkeeping store.
type session struct {
	cfg         config.Config
	skeleton    *core.Skeleton
	model       *atomdb.EmissionModel
	instruments []instrument.Instrument
	heating     heating.Model
	rows        *rowstore.Store
	store       *state.Store
	recorder    *state.FailureRecorder
	log         zerolog.Logger
	recompute   bool

	run    state.Run
	traces []trace.RunTrace
}

// RowsDir is the row store location under the pipeline root.
func RowsDir(root string) string { return filepath.Join(root, "rows") }

func openSession(cfg config.Config) (*session, error) {
	s := &session{cfg: cfg, log: logging.Component("cli")}
	var err error
	if s.skeleton, err = core.Restore(cfg.Skeleton); err != nil {
		return nil, configError(fmt.Errorf("restore skeleton: %w", err))
	}
	if s.model, err = atomdb.Restore(cfg.EmissionModel); err != nil {
		return nil, configError(fmt.Errorf("restore emission model: %w", err))
	}
	if s.instruments, err = cfg.BuildInstruments(); err != nil {
		return nil, configError(err)
	}
	if s.heating, err = cfg.HeatingModel(); err != nil {
		return nil, configError(err)
	}
	if s.store, err = state.NewStore(cfg.Root); err != nil {
		return nil, configError(err)
	}
	s.recorder = &state.FailureRecorder{Store: s.store}

	rowsLog := logging.Component("rowstore")
	rcfg := rowstore.DefaultConfig(RowsDir(cfg.Root))
	rcfg.Logger = &rowsLog
	if s.rows, err = rowstore.Open(rcfg); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *session) Close() error {
	if s.rows == nil {
		return nil
	}
	return s.rows.Close()
}

// inputHash identifies the checkpoints and configuration a run used.
func (s *session) inputHash() string {
	h := core.NewHasher().
		Str(s.skeleton.Hash().String()).
		Str(s.model.Hash().String()).
		Float64(s.cfg.Interval.Start).Float64(s.cfg.Interval.End).
		Str(s.cfg.Emission.Mode).
		Float64(s.cfg.Observer.DSArcsec)
	for _, inst := range s.instruments {
		h.Str(inst.Name())
	}
	return h.Sum().String()
}

func (s *session) skeletonTracker() *pipeline.Tracker {
	return &pipeline.Tracker{Store: s.store, Machine: pipeline.SkeletonMachine, Scope: pipeline.SkeletonScope}
}

func (s *session) solver(rec trace.Sink) *nei.Solver {
	sv := nei.NewSolver(s.model, s.heating, s.rows)
	sv.Options = s.cfg.NEIOptions()
	sv.Trace = rec
	sv.Log = logging.Component("nei")
	return sv
}

func (s *session) synthesizer(rec trace.Sink) *emission.Synthesizer {
	sy := emission.NewSynthesizer(s.model, s.heating, s.rows)
	sy.Mode = s.cfg.EmissionMode()
	sy.Workers = s.cfg.Workers
	sy.Trace = rec
	sy.Log = logging.Component("emission")
	return sy
}

func (s *session) observer(rec trace.Sink) (*observer.Observer, error) {
	o, err := observer.New(s.skeleton, s.instruments, s.cfg.DS(s.skeleton), s.cfg.Root, s.rows, s.store)
	if err != nil {
		return nil, configError(err)
	}
	o.Workers = s.cfg.Workers
	o.RunID = s.run.RunID
	o.Upstream = s.requireCurrentEmission
	o.Trace = rec
	o.Log = logging.Component("observer")
	return o, nil
}

// addTrace keeps the canonical trace of one stage for trace.json.
func (s *session) addTrace(scope string, rec *trace.Recorder) {
	tr := rec.Trace(scope, s.inputHash())
	if h, err := tr.Hash(); err == nil {
		s.log.Debug().Str("stage", scope).Str("trace_hash", h).Int("events", len(tr.Events)).Msg("trace recorded")
	}
	s.traces = append(s.traces, tr)
}

// recordFailures persists isolated unit failures of stage.
func (s *session) recordFailures(stage string, failed []pipeline.UnitError) error {
	if len(failed) == 0 {
		return nil
	}
	out := make([]state.Failure, len(failed))
	for i, f := range failed {
		out[i] = state.Classify(stage, f.Unit, f.Err)
	}
	return s.recorder.RecordFailures(s.run.RunID, out)
}

// lifecycle runs fn between StartRun and FinishRun, recording a stage-level
// failure and the collected traces whatever the outcome.
func (s *session) lifecycle(ctx context.Context, command string, fn func(ctx context.Context) error) (err error) {
	s.run, err = s.recorder.StartRun(command, s.inputHash())
	if err != nil {
		return err
	}
	log := s.log.With().Str("run_id", s.run.RunID).Str("command", command).Logger()
	log.Info().Msg("run started")

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		status := state.RunStatusSucceeded
		switch {
		case err == nil:
		case errors.Is(err, errUnitFailures) && ExitCode(err) == ExitUnitFailure:
			status = state.RunStatusPartial
		default:
			status = state.RunStatusFailed
			if rerr := s.recorder.RecordFailure(s.run.RunID, command, "", err); rerr != nil {
				log.Error().Err(rerr).Msg("record failure")
			}
		}
		if len(s.traces) > 0 {
			if terr := s.store.SaveTraces(s.run.RunID, s.traces); terr != nil {
				log.Error().Err(terr).Msg("save traces")
			}
		}
		if _, ferr := s.recorder.FinishRun(s.run, status); ferr != nil {
			log.Error().Err(ferr).Msg("finish run")
		}
		ev := log.Info()
		if err != nil {
			ev = log.Warn().Err(err)
		}
		ev.Str("status", string(status)).Msg("run finished")
	}()
	return fn(ctx)
}
