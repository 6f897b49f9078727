package core

import (
	"context"

	"github.com/rs/zerolog/log"
)

const (
	StepPublish         = "publish"
	StepDependencies    = "install-build-dependencies"
	StepBuild           = "build"
	StepPublishArtifact = "publish-artifact"
)

// Step is an externally defined procedure the orchestrator delegates to.
type Step interface {
	Name() string
	Run(ctx context.Context) error
}

// CommandStep runs an argv inside the checkout with the pinned environment.
// An empty Argv succeeds without starting anything.
type CommandStep struct {
	StepName string
	Argv     []string
	Env      Env
	Dir      string
	Runner   Runner
}

func (s *CommandStep) Name() string { return s.StepName }

func (s *CommandStep) Run(ctx context.Context) error {
	if len(s.Argv) == 0 {
		log.Debug().Str("step", s.StepName).Msg("no command configured, nothing to run")
		return nil
	}
	return s.Runner.Run(ctx, Command{Step: s.StepName, Argv: s.Argv, Env: s.Env, Dir: s.Dir})
}

// StepsFromConfig builds the publish, dependency and build collaborators.
// The artifact publisher is left for the caller to attach.
func StepsFromConfig(cfg Config, runner Runner) (Collaborators, error) {
	ws := cfg.WorkspacePaths()
	env, err := ResolveEnv(WithOverrides(DefaultBuildEnv(), cfg.Build.Env), ws)
	if err != nil {
		return Collaborators{}, err
	}
	return Collaborators{
		Publish:      &CommandStep{StepName: StepPublish, Argv: cfg.Steps.Publish.Command, Env: env, Dir: ws.Repo, Runner: runner},
		Dependencies: &CommandStep{StepName: StepDependencies, Argv: cfg.Steps.Dependencies.Command, Env: env, Dir: ws.Repo, Runner: runner},
		Build:        &CommandStep{StepName: StepBuild, Argv: cfg.Build.Command, Env: env, Dir: ws.Repo, Runner: runner},
	}, nil
}
