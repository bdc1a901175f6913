package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"reflect"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/roach88/sagastore/internal/compiler"
	"github.com/roach88/sagastore/internal/ir"
	"github.com/roach88/sagastore/internal/saga"
	"github.com/roach88/sagastore/internal/store"
	"github.com/roach88/sagastore/internal/testutil"
)

// Harness is the test execution engine.
// It runs scenario steps against a private store with deterministic step
// numbers and generated ids.
type Harness struct {
	store    *store.Store
	registry *saga.Registry
	steps    *testutil.StepCounter
	ids      saga.IDGenerator
	logger   *slog.Logger
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation, and each
// step runs in its own session that is flushed before the next step.
//
// Execution flow:
// 1. Create fresh in-memory database
// 2. Compile and register saga variants
// 3. Execute setup steps (must succeed)
// 4. Execute flow steps and check expectations
// 5. Evaluate assertions
func Run(scenario *Scenario) (*Result, error) {
	st, err := store.Open(":memory:", store.WithLogger(discardLogger()))
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	registry, err := buildRegistry(scenario)
	if err != nil {
		return nil, err
	}

	h := &Harness{
		store:    st,
		registry: registry,
		steps:    testutil.NewStepCounter(),
		ids:      testutil.NewSequentialIDs(scenario.IDPrefix),
		logger:   discardLogger(),
	}

	ctx := context.Background()
	result := NewResult()

	for i, step := range scenario.Setup {
		ev, _, err := h.runStep(ctx, step)
		if err != nil {
			return nil, fmt.Errorf("setup step %d: %w", i, err)
		}
		result.AddTrace(ev)
		if failed(ev.Outcome) {
			return nil, fmt.Errorf("setup step %d (%s %s): %s %s", i, step.Op, step.Variant, ev.Outcome, ev.Error)
		}
	}

	for i, step := range scenario.Flow {
		ev, found, err := h.runStep(ctx, step)
		if err != nil {
			return nil, fmt.Errorf("flow step %d: %w", i, err)
		}
		result.AddTrace(ev)
		for _, msg := range checkExpect(step, ev, found) {
			result.AddError(fmt.Sprintf("flow step %d (%s %s): %s", i, step.Op, step.Variant, msg))
		}

		h.logger.Info("flow step completed",
			"step", i,
			"op", step.Op,
			"variant", step.Variant,
			"outcome", ev.Outcome,
		)
	}

	actx := &AssertionContext{
		Store: st,
		Ctx:   ctx,
	}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}

	return result, nil
}

// runStep executes one step in its own unit of work. Store-level failures
// of the step are reported through the event's outcome; the returned error
// is reserved for malformed steps.
func (h *Harness) runStep(ctx context.Context, step Step) (TraceEvent, *saga.Document, error) {
	ev := TraceEvent{
		Seq:      h.steps.Next(),
		Op:       step.Op,
		Variant:  step.Variant,
		ID:       step.ID,
		Property: step.Property,
		Value:    step.Value,
	}

	fields, err := toFields(step.Fields)
	if err != nil {
		return ev, nil, fmt.Errorf("fields: %w", err)
	}

	sess := h.store.OpenSession()
	p := saga.NewPersister(sess, h.registry, saga.WithLogger(h.logger))

	var (
		found  *saga.Document
		opErr  error
		isRead bool
	)

	switch step.Op {
	case OpSave:
		if ev.ID == "" {
			ev.ID = h.ids.Generate()
		}
		doc := &saga.Document{ID: ev.ID, Variant: step.Variant, Fields: fields}
		if opErr = p.Save(ctx, doc); opErr == nil {
			opErr = flush(ctx, sess, &ev)
		}

	case OpUpdate:
		doc, err := loadSaga(ctx, p, step)
		if opErr = err; opErr == nil {
			maps.Copy(doc.Fields, fields)
			if opErr = p.Update(ctx, doc); opErr == nil {
				opErr = flush(ctx, sess, &ev)
			}
		}

	case OpComplete:
		doc, err := loadSaga(ctx, p, step)
		if opErr = err; opErr == nil {
			if opErr = p.Complete(ctx, doc); opErr == nil {
				opErr = flush(ctx, sess, &ev)
			}
		}

	case OpGet:
		isRead = true
		var doc saga.Document
		ok, err := p.Get(ctx, step.Variant, step.ID, &doc)
		if opErr = err; ok {
			found = &doc
		}

	case OpGetBy:
		isRead = true
		var doc saga.Document
		ok, err := p.GetBy(ctx, step.Variant, step.Property, step.Value, &doc)
		if opErr = err; ok {
			found = &doc
		}

	case OpRawSave:
		doc := &saga.Document{ID: step.ID, Variant: step.Variant, Fields: fields}
		if opErr = sess.Store(store.DocumentKey(step.ID, step.Variant), step.Variant, doc); opErr == nil {
			opErr = flush(ctx, sess, &ev)
		}

	case OpLegacyIdentity:
		identity, err := legacyIdentity(step)
		if err != nil {
			return ev, nil, err
		}
		if opErr = sess.Store(identity.ID, saga.UniqueIdentityCollection, identity); opErr == nil {
			opErr = flush(ctx, sess, &ev)
		}

	default:
		return ev, nil, fmt.Errorf("unknown op %q", step.Op)
	}

	ev.Outcome = classify(opErr)
	if ev.Outcome == OutcomeError {
		ev.Error = opErr.Error()
	}
	if isRead && opErr == nil {
		ev.Outcome = OutcomeAbsent
		if found != nil {
			ev.Outcome = OutcomeFound
			ev.Result = documentResult(found)
		}
	}
	return ev, found, nil
}

// loadSaga reads the saga a write step operates on, as a caller would
// before mutating it.
func loadSaga(ctx context.Context, p *saga.Persister, step Step) (*saga.Document, error) {
	var doc saga.Document
	ok, err := p.Get(ctx, step.Variant, step.ID, &doc)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", step.Variant, step.ID, saga.ErrSagaNotFound)
	}
	if doc.Fields == nil {
		doc.Fields = ir.IRObject{}
	}
	return &doc, nil
}

func legacyIdentity(step Step) (*saga.UniqueIdentity, error) {
	value, err := ir.FromGo(step.Value)
	if err != nil {
		return nil, fmt.Errorf("value: %w", err)
	}
	id, err := saga.UniqueIdentityID(step.Variant, step.Property, value)
	if err != nil {
		return nil, err
	}
	canonical, err := ir.MarshalCanonical(value)
	if err != nil {
		return nil, err
	}
	return &saga.UniqueIdentity{ID: id, SagaID: step.ID, UniqueValue: canonical}, nil
}

// flush records the pending changes in the trace and commits them.
func flush(ctx context.Context, sess *store.Session, ev *TraceEvent) error {
	changes, err := sess.Changes()
	if err != nil {
		return err
	}
	for _, ch := range changes {
		ev.Writes = append(ev.Writes, fmt.Sprintf("%s %s", ch.Kind, ch.Key))
	}
	return sess.SaveChanges(ctx)
}

func classify(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case saga.IsUniqueValueConflict(err):
		return OutcomeUniqueConflict
	case errors.Is(err, saga.ErrSagaNotFound):
		return OutcomeNotFound
	case store.IsSchemaMismatch(err):
		return OutcomeSchemaMismatch
	default:
		return OutcomeError
	}
}

func failed(outcome string) bool {
	switch outcome {
	case OutcomeOK, OutcomeFound, OutcomeAbsent:
		return false
	}
	return true
}

// checkExpect compares a flow step's outcome with its expectation.
func checkExpect(step Step, ev TraceEvent, found *saga.Document) []string {
	var msgs []string

	want := ""
	if step.Expect != nil {
		want = step.Expect.Error
	}
	switch {
	case want == "" && failed(ev.Outcome):
		msg := fmt.Sprintf("unexpected %s", ev.Outcome)
		if ev.Error != "" {
			msg += ": " + ev.Error
		}
		return append(msgs, msg)
	case want != "" && ev.Outcome != want:
		return append(msgs, fmt.Sprintf("expected %s, got %s", want, ev.Outcome))
	}

	if step.Expect == nil {
		return nil
	}
	exp := step.Expect

	if exp.Found != nil && *exp.Found != (found != nil) {
		msgs = append(msgs, fmt.Sprintf("expected found=%t, got %s", *exp.Found, ev.Outcome))
	}
	if exp.ID != "" {
		switch {
		case found == nil:
			msgs = append(msgs, fmt.Sprintf("expected saga %s, got none", exp.ID))
		case found.ID != exp.ID:
			msgs = append(msgs, fmt.Sprintf("expected saga %s, got %s", exp.ID, found.ID))
		}
	}
	if len(exp.Fields) > 0 {
		if found == nil {
			msgs = append(msgs, "expected fields, got no saga")
		} else {
			msgs = append(msgs, matchFields(found.Fields, exp.Fields)...)
		}
	}
	return msgs
}

// matchFields checks that actual contains every expected field (subset
// match).
func matchFields(actual ir.IRObject, expected map[string]any) []string {
	var msgs []string
	for _, key := range sortedKeys(expected) {
		want, err := ir.FromGo(expected[key])
		if err != nil {
			msgs = append(msgs, fmt.Sprintf("field %q: invalid expectation: %v", key, err))
			continue
		}
		got, ok := actual[key]
		if !ok {
			msgs = append(msgs, fmt.Sprintf("field %q: missing", key))
			continue
		}
		if !reflect.DeepEqual(got, want) {
			msgs = append(msgs, fmt.Sprintf("field %q: expected %v, got %v", key, ir.ToGo(want), ir.ToGo(got)))
		}
	}
	return msgs
}

func documentResult(doc *saga.Document) map[string]any {
	out := make(map[string]any, len(doc.Fields)+1)
	for k, v := range doc.Fields {
		if _, isNull := v.(ir.IRNull); isNull {
			continue
		}
		out[k] = ir.ToGo(v)
	}
	out["id"] = doc.ID
	return out
}

func toFields(fields map[string]any) (ir.IRObject, error) {
	if len(fields) == 0 {
		return ir.IRObject{}, nil
	}
	v, err := ir.FromGo(fields)
	if err != nil {
		return nil, err
	}
	return v.(ir.IRObject), nil
}

// buildRegistry compiles the scenario's CUE specs and inline variants and
// registers them.
func buildRegistry(s *Scenario) (*saga.Registry, error) {
	var specs []ir.VariantSpec
	for _, path := range s.Specs {
		fileSpecs, err := loadSpecFile(path)
		if err != nil {
			return nil, err
		}
		specs = append(specs, fileSpecs...)
	}
	for _, v := range s.Variants {
		specs = append(specs, ir.VariantSpec{Name: v.Name, Unique: v.Unique})
	}

	if verrs := compiler.Validate(specs); len(verrs) > 0 {
		errs := make([]error, len(verrs))
		for i, e := range verrs {
			errs[i] = e
		}
		return nil, fmt.Errorf("invalid variants: %w", errors.Join(errs...))
	}

	reg := saga.NewRegistry()
	for _, spec := range specs {
		if err := reg.RegisterSpec(spec); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func loadSpecFile(path string) ([]ir.VariantSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read spec %s: %w", path, err)
	}
	v := cuecontext.New().CompileBytes(data, cue.Filename(path))
	specs, err := compiler.CompileVariants(v)
	if err != nil {
		return nil, fmt.Errorf("spec %s: %w", path, err)
	}
	return specs, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
