package notifier

import (
	"fmt"

	"github.com/vyvo/compute/reviewci/pkg/builder"
)

const (
	CommandTemplate = `review approve --verified=%s --message="%s" %s`

	// NoBuildURL stands in for the build URL when the build environment has none.
	NoBuildURL = "No build url."

	BuildURLEnv = "BUILD_URL"
)

type Kind string

const (
	KindNotFinished Kind = "not-finished"
	KindApprove     Kind = "approve"
	KindUnstable    Kind = "unstable"
	KindReject      Kind = "reject"
)

// Verdict is the vote and message reported for one build result.
type Verdict struct {
	Kind    Kind
	Vote    string
	Message string
}

// Command renders the review command for rev.
func (v Verdict) Command(rev string) string {
	return fmt.Sprintf(CommandTemplate, v.Vote, v.Message, rev)
}

func (v Verdict) announce(rev string) string {
	switch v.Kind {
	case KindNotFinished:
		return "Build was aborted, notifying review server"
	case KindApprove:
		return "Approving " + rev
	case KindUnstable:
		return "Rejecting unstable " + rev
	default:
		return "Rejecting failed " + rev
	}
}

// Decide maps a terminal result onto a verdict. Aborted and not-built builds
// are checked first because they rank below FAILURE.
func Decide(cfg Config, result builder.Result, url string) Verdict {
	switch {
	case result == builder.ResultAborted || result == builder.ResultNotBuilt:
		return Verdict{Kind: KindNotFinished, Vote: "0", Message: "Build did not finish, " + url}
	case result.IsBetterOrEqualTo(builder.ResultSuccess):
		return Verdict{Kind: KindApprove, Vote: cfg.ApproveValue, Message: url}
	case result.IsBetterOrEqualTo(builder.ResultUnstable):
		return Verdict{Kind: KindUnstable, Vote: cfg.UnstableValue, Message: "Build is unstable " + url}
	default:
		return Verdict{Kind: KindReject, Vote: cfg.RejectValue, Message: "Build failed " + url}
	}
}

// Build is what the notifier needs to know about a finished build.
type Build struct {
	Result    builder.Result
	Workspace string
	Env       map[string]string
}

// URL returns BUILD_URL from the build environment, or NoBuildURL.
func (b Build) URL() string {
	if url := b.Env[BuildURLEnv]; url != "" {
		return url
	}
	return NoBuildURL
}
