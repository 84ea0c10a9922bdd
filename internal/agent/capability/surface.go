// Package capability is the closed set of operations the agent can invoke.
// Every operation is an eino tool with a typed input and output; collaborator
// failures come back as structured results, never raw errors.
package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"

	errx "github.com/shipflow-core/server/internal/core/error"
	logx "github.com/shipflow-core/server/pkg/logger"
)

// Kind decides retry behaviour: only reads are retried.
type Kind string

const (
	KindRead    Kind = "read"
	KindWrite   Kind = "write"
	KindCarrier Kind = "carrier"
)

const (
	defaultMaxTries      = 3
	defaultRetryInterval = 200 * time.Millisecond
)

type toolT = tool.InvokableTool

// Descriptor is one registered operation.
type Descriptor struct {
	Name string
	Kind Kind
	// Interactive operations are only exposed while interactive shipping is on.
	Interactive bool
	Tool        tool.InvokableTool
}

// Failure is the structured form of a collaborator error.
type Failure struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// Result is what the model sees for every dispatch.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *Failure        `json:"error,omitempty"`
}

// JSON renders r for a tool message.
func (r Result) JSON() string {
	b, err := json.Marshal(r)
	if err != nil {
		return `{"ok":false,"error":{"code":"internal","message":"result could not be encoded"}}`
	}
	return string(b)
}

// DispatchObserver is notified once per dispatch with its final outcome.
type DispatchObserver interface {
	ToolDispatched(tool string, ok bool, attempts int)
}

type Option func(*Surface)

// WithRetry overrides the bounded retry applied to read operations.
func WithRetry(maxTries uint, initial time.Duration) Option {
	return func(s *Surface) {
		s.maxTries = maxTries
		s.retryInterval = initial
	}
}

func WithDispatchObserver(o DispatchObserver) Option {
	return func(s *Surface) { s.observer = o }
}

// Surface resolves operations by name.
type Surface struct {
	byName map[string]Descriptor

	maxTries      uint
	retryInterval time.Duration
	observer      DispatchObserver
}

func newSurface(descs []Descriptor, opts ...Option) (*Surface, error) {
	s := &Surface{
		byName:        make(map[string]Descriptor, len(descs)),
		maxTries:      defaultMaxTries,
		retryInterval: defaultRetryInterval,
	}
	for _, d := range descs {
		if _, dup := s.byName[d.Name]; dup {
			return nil, fmt.Errorf("duplicate capability %q", d.Name)
		}
		s.byName[d.Name] = d
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Lookup returns the descriptor registered under name.
func (s *Surface) Lookup(name string) (Descriptor, bool) {
	d, ok := s.byName[name]
	return d, ok
}

// Names returns all registered names, sorted.
func (s *Surface) Names() []string {
	out := make([]string, 0, len(s.byName))
	for n := range s.byName {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Infos returns tool schemas for the descriptors accepted by keep, sorted by name.
func (s *Surface) Infos(ctx context.Context, keep func(Descriptor) bool) ([]*schema.ToolInfo, error) {
	var infos []*schema.ToolInfo
	for _, name := range s.Names() {
		d := s.byName[name]
		if keep != nil && !keep(d) {
			continue
		}
		info, err := d.Tool.Info(ctx)
		if err != nil {
			return nil, fmt.Errorf("tool info %s: %w", name, err)
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Dispatch runs the named operation with JSON arguments. Read operations are
// retried on retryable failures; nothing else is.
func (s *Surface) Dispatch(ctx context.Context, name, args string) Result {
	d, ok := s.byName[name]
	if !ok {
		return failure(&Failure{Code: "unknown_tool", Message: fmt.Sprintf("%q is not an available capability.", name)})
	}
	if args == "" {
		args = "{}"
	}

	attempts := 0
	op := func() (string, error) {
		attempts++
		st := &callState{}
		out, err := d.Tool.InvokableRun(withCallState(ctx, st), args)
		if err != nil {
			if st.err != nil {
				err = st.err
			}
			if d.Kind != KindRead || !errx.IsRetryable(err) {
				return "", backoff.Permanent(err)
			}
			return "", err
		}
		return out, nil
	}

	var (
		out string
		err error
	)
	if d.Kind == KindRead && s.maxTries > 1 {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = s.retryInterval
		out, err = backoff.Retry(ctx, op, backoff.WithBackOff(b), backoff.WithMaxTries(s.maxTries))
	} else {
		out, err = op()
	}

	if s.observer != nil {
		s.observer.ToolDispatched(name, err == nil, attempts)
	}
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		logx.Warn().Err(err).Str("tool", name).Int("attempts", attempts).Msg("Capability failed")
		return failure(toFailure(err))
	}
	return Result{OK: true, Data: json.RawMessage(out)}
}

func failure(f *Failure) Result {
	return Result{OK: false, Error: f}
}

func toFailure(err error) *Failure {
	var ae *errx.AppError
	if errors.As(err, &ae) {
		msg := ae.Message
		if ae.Code == errx.CodeUpstream && ae.Err != nil {
			msg = fmt.Sprintf("%s (%v)", ae.Message, ae.Err)
		}
		return &Failure{Code: string(ae.Code), Message: msg, Retryable: ae.Retryable}
	}
	return &Failure{Code: string(errx.CodeInternal), Message: err.Error()}
}

// callState carries the handler's original error past the tool adapter,
// which may flatten it into a string.
type callState struct {
	err error
}

type callStateKey struct{}

func withCallState(ctx context.Context, st *callState) context.Context {
	return context.WithValue(ctx, callStateKey{}, st)
}

func newTool[I, O any](info *schema.ToolInfo, fn func(ctx context.Context, in I) (O, error)) tool.InvokableTool {
	return utils.NewTool[I, O](info, func(ctx context.Context, in I) (O, error) {
		out, err := fn(ctx, in)
		if err != nil {
			if st, ok := ctx.Value(callStateKey{}).(*callState); ok {
				st.err = err
			}
		}
		return out, err
	})
}

func invalidInput(format string, args ...any) error {
	return errx.Coded(errx.CodeInvalidInput, 400, fmt.Sprintf(format, args...), nil)
}
