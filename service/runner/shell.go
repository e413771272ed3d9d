package runner

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/viant/gosh"
	goshrunner "github.com/viant/gosh/runner"
	"github.com/viant/gosh/runner/local"
	rssh "github.com/viant/gosh/runner/ssh"
	"github.com/viant/scy/cred/secret"
	"golang.org/x/crypto/ssh"

	"github.com/testfarm/conductor/model/target"
	"github.com/testfarm/conductor/model/testcase"
	"github.com/testfarm/conductor/resolver"
)

// Shell runs a test case's payload commands on every non-interconnect
// target of the group, over SSH for remote targets and in-process for
// local ones. Sessions are cached per host and environment and reused
// across runs.
type Shell struct {
	sessions map[string]*gosh.Service
	secrets  *secret.Service
	mux      sync.Mutex
}

// NewShell creates a shell runner.
func NewShell() *Shell {
	return &Shell{
		sessions: make(map[string]*gosh.Service),
		secrets:  secret.New(),
	}
}

func (r *Shell) Name() string { return "shell" }

// Run executes the payload on each assigned target in role order and
// folds the results into one verdict: the first failing command fails
// the run, and the combined output is diffed against the declared
// expectation when one is present.
func (r *Shell) Run(ctx context.Context, tc *testcase.TestCase, group *resolver.Group) (*Result, error) {
	if len(tc.Run) == 0 {
		return &Result{Verdict: VerdictSkipped, Reason: "no payload commands declared"}, nil
	}
	timeout := time.Duration(tc.TimeoutMs) * time.Millisecond
	if timeout == 0 {
		timeout = time.Minute
	}

	var combined strings.Builder
	for _, assignment := range group.Assignments {
		role := tc.Role(assignment.Role)
		if role != nil && role.IsInterconnect {
			continue
		}
		for _, aTarget := range assignment.Targets {
			session, err := r.session(ctx, aTarget, r.environment(tc, assignment.Role, aTarget))
			if err != nil {
				return nil, fmt.Errorf("target %s: %w", aTarget.FullID(), err)
			}
			for _, command := range tc.Run {
				output, status, err := session.Run(ctx, command, goshrunner.WithTimeout(int(timeout.Milliseconds())))
				if output != "" {
					combined.WriteString(output)
					if !strings.HasSuffix(output, "\n") {
						combined.WriteString("\n")
					}
				}
				if err != nil {
					return nil, fmt.Errorf("target %s, command %q: %w", aTarget.FullID(), command, err)
				}
				if status != 0 {
					return &Result{
						Verdict: VerdictFailed,
						Output:  combined.String(),
						Reason:  fmt.Sprintf("target %s: command %q exited with status %d", aTarget.FullID(), command, status),
					}, nil
				}
			}
		}
	}

	result := &Result{Verdict: VerdictPassed, Output: combined.String()}
	if tc.Expect != "" {
		if err := VerifyOutput(tc.Ident(), tc.Expect, strings.TrimSpace(result.Output)); err != nil {
			result.Verdict = VerdictFailed
			result.Reason = err.Error()
		}
	}
	return result, nil
}

// environment builds the per-target environment exported to payload
// commands so a single declared command list works across targets.
func (r *Shell) environment(tc *testcase.TestCase, role string, aTarget *target.Target) map[string]string {
	env := map[string]string{
		"TARGET_ID":     aTarget.ID,
		"TARGET_FULLID": aTarget.FullID(),
		"TARGET_ROLE":   role,
	}
	for k, v := range tc.Env {
		env[k] = v
	}
	return env
}

// sessionKey folds the host and the exported environment into one cache
// key: the environment is baked into a session at creation, so two
// targets on the same host with different environments must not share
// one.
func sessionKey(host string, env map[string]string) string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(host)
	for _, k := range keys {
		b.WriteString("|")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(env[k])
	}
	return b.String()
}

// session returns a cached command session for the target's host and
// environment, tag "host" selects the endpoint and tag "credentials"
// the secret resource holding its SSH credentials. An absent host tag
// runs locally.
func (r *Shell) session(ctx context.Context, aTarget *target.Target, env map[string]string) (*gosh.Service, error) {
	host := ""
	if value, ok := aTarget.Tags["host"]; ok {
		host = value.Text()
	}
	key := sessionKey(host, env)

	r.mux.Lock()
	defer r.mux.Unlock()
	if session, ok := r.sessions[key]; ok {
		return session, nil
	}

	envOptions := []goshrunner.Option{}
	if len(env) > 0 {
		envOptions = append(envOptions, goshrunner.WithEnvironment(env))
	}

	var service *gosh.Service
	var err error
	if host == "" || host == "localhost" {
		service, err = gosh.New(ctx, local.New(envOptions...))
	} else {
		var config *ssh.ClientConfig
		if config, err = r.sshConfig(ctx, aTarget); err != nil {
			return nil, fmt.Errorf("ssh config for %s: %w", host, err)
		}
		if !strings.Contains(host, ":") {
			host += ":22"
		}
		service, err = gosh.New(ctx, rssh.New(host, config, envOptions...))
	}
	if err != nil {
		return nil, err
	}
	r.sessions[key] = service
	return service, nil
}

// sshConfig resolves the target's SSH credentials from its secret
// resource.
func (r *Shell) sshConfig(ctx context.Context, aTarget *target.Target) (*ssh.ClientConfig, error) {
	credentials := "localhost"
	if value, ok := aTarget.Tags["credentials"]; ok {
		credentials = value.Text()
	}
	generic, err := r.secrets.GetCredentials(ctx, credentials)
	if err != nil {
		return nil, err
	}
	return generic.SSH.Config(ctx)
}

// Close releases every cached session.
func (r *Shell) Close() error {
	r.mux.Lock()
	defer r.mux.Unlock()
	var errs []string
	for key, session := range r.sessions {
		if err := session.Close(); err != nil {
			errs = append(errs, fmt.Sprintf("session %s: %v", key, err))
		}
	}
	r.sessions = make(map[string]*gosh.Service)
	if len(errs) > 0 {
		return fmt.Errorf("closing sessions: %s", strings.Join(errs, "; "))
	}
	return nil
}
