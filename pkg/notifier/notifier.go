package notifier

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/vyvo/compute/reviewci/pkg/builder"
	"github.com/vyvo/compute/reviewci/pkg/gitlog"
	"github.com/vyvo/compute/reviewci/pkg/remote"
)

// ErrInterrupted is returned when the build was cancelled before or while
// the review server was notified.
var ErrInterrupted = errors.New("build interrupted")

type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Outcome describes what Perform did. Result is the build result after
// notification, which only differs from the input when interrupted.
type Outcome struct {
	Result   builder.Result
	Revision string
	Verdict  Verdict
	Command  string
	Output   string
	// Delivered is set once the command ran on the review server, even if
	// tearing down the session failed afterwards.
	Delivered bool
}

// Notifier reports finished builds to the review server.
type Notifier struct {
	cfg      Config
	heads    gitlog.HeadResolver
	sessions func() remote.Session
	logger   Logger
}

// New builds a notifier. sessions is called once per notification and must
// return a fresh, unconnected session.
func New(cfg Config, heads gitlog.HeadResolver, sessions func() remote.Session, logger Logger) *Notifier {
	return &Notifier{cfg: cfg.WithDefaults(), heads: heads, sessions: sessions, logger: logger}
}

func (n *Notifier) Config() Config {
	return n.cfg
}

// Perform resolves the workspace HEAD, derives the review command from the
// build result and sends it over a new remote session. Console receives the
// same messages a user would see in the build log.
func (n *Notifier) Perform(ctx context.Context, b Build, console io.Writer) (Outcome, error) {
	ctx, span := otel.Tracer("reviewci/notifier").Start(ctx, "notifier.Perform")
	defer span.End()
	span.SetAttributes(attribute.String("build.result", string(b.Result)))

	out := Outcome{Result: b.Result}
	if err := ctx.Err(); err != nil {
		return n.interrupted(out, err, console)
	}

	rev, err := n.heads.ResolveHead(ctx, b.Workspace, n.cfg.RepositorySubpath)
	if err != nil {
		if ctx.Err() != nil {
			return n.interrupted(out, err, console)
		}
		fmt.Fprintln(console, err.Error())
		span.RecordError(err)
		span.SetStatus(codes.Error, "resolve head")
		n.logger.Error("notifier: resolve head", "workspace", b.Workspace, "error", err)
		return out, err
	}
	out.Revision = rev
	out.Verdict = Decide(n.cfg, b.Result, b.URL())
	out.Command = out.Verdict.Command(rev)
	span.SetAttributes(attribute.String("revision", rev), attribute.String("verdict", string(out.Verdict.Kind)))

	fmt.Fprintln(console, out.Verdict.announce(rev))

	output, delivered, err := n.deliver(ctx, out.Command)
	out.Output = output
	out.Delivered = delivered
	if delivered && output != "" {
		fmt.Fprintln(console, output)
	}
	if err != nil {
		if ctx.Err() != nil && !delivered {
			return n.interrupted(out, err, console)
		}
		fmt.Fprintln(console, err.Error())
		span.RecordError(err)
		span.SetStatus(codes.Error, "deliver")
		n.logger.Error("notifier: deliver", "revision", rev, "delivered", delivered, "error", err)
		return out, err
	}
	n.logger.Info("notifier: reported", "revision", rev, "verdict", out.Verdict.Kind)
	return out, nil
}

// deliver runs exactly one command on a fresh session and always
// disconnects, whatever happened before. delivered reports whether the
// command itself succeeded.
func (n *Notifier) deliver(ctx context.Context, command string) (output string, delivered bool, err error) {
	s := n.sessions()
	defer func() {
		if derr := s.Disconnect(); derr != nil && err == nil {
			err = derr
		}
	}()

	if err := s.Connect(ctx, n.cfg.RemoteHost, n.cfg.RemotePort); err != nil {
		return "", false, err
	}
	if err := s.Authenticate(ctx, n.cfg.RemoteUsername, n.cfg.PrivateKeyPath, n.cfg.Passphrase); err != nil {
		return "", false, err
	}
	output, err = s.Execute(ctx, command)
	if err != nil {
		return "", false, err
	}
	return output, true, nil
}

func (n *Notifier) interrupted(out Outcome, cause error, console io.Writer) (Outcome, error) {
	fmt.Fprintf(console, "Interrupted: %v\n", cause)
	n.logger.Info("notifier: interrupted", "error", cause)
	out.Result = builder.ResultAborted
	return out, fmt.Errorf("%w: %v", ErrInterrupted, cause)
}
