package service

import (
	"fmt"
	"path"

	"github.com/buildpad-dev/buildpad/internal/model"
)

// Framework describes how to scaffold, install, and serve one supported
// framework inside the sandbox. All commands are pnpm-based; the sandbox
// image ships node and pnpm preinstalled.
type Framework struct {
	Name string

	// GeneratorCmd scaffolds a new project into the current directory.
	GeneratorCmd string

	// DevCmd starts the dev server. %d is the port.
	DevCmd string

	// InstallCmd installs dependencies.
	InstallCmd string

	// ConfigMarkers are filenames whose presence in the working directory
	// indicates an existing (possibly partial) project of this framework.
	ConfigMarkers []string

	// SeedDir is an optional pre-baked template on the sandbox image,
	// copied instead of running the generator when present.
	SeedDir string
}

var frameworks = map[string]Framework{
	model.FrameworkNextJS: {
		Name:          model.FrameworkNextJS,
		GeneratorCmd:  `pnpm create next-app@latest . --ts --tailwind --eslint --app --no-src-dir --import-alias "@/*" --use-pnpm --yes`,
		DevCmd:        "pnpm dev --port %d",
		InstallCmd:    "pnpm install",
		ConfigMarkers: []string{"next.config.js", "next.config.mjs", "next.config.ts"},
		SeedDir:       "/opt/seeds/nextjs",
	},
	model.FrameworkReact: {
		Name:          model.FrameworkReact,
		GeneratorCmd:  "pnpm create vite@latest . --template react-ts",
		DevCmd:        "pnpm dev --port %d --host",
		InstallCmd:    "pnpm install",
		ConfigMarkers: []string{"vite.config.ts", "vite.config.js"},
		SeedDir:       "/opt/seeds/react",
	},
	model.FrameworkVue: {
		Name:          model.FrameworkVue,
		GeneratorCmd:  "pnpm create vite@latest . --template vue-ts",
		DevCmd:        "pnpm dev --port %d --host",
		InstallCmd:    "pnpm install",
		ConfigMarkers: []string{"vite.config.ts", "vite.config.js"},
		SeedDir:       "/opt/seeds/vue",
	},
	model.FrameworkAngular: {
		Name:          model.FrameworkAngular,
		GeneratorCmd:  "pnpm dlx @angular/cli@latest new app --directory . --defaults --skip-git --package-manager pnpm",
		DevCmd:        "pnpm start -- --port %d --host 0.0.0.0",
		InstallCmd:    "pnpm install",
		ConfigMarkers: []string{"angular.json"},
		SeedDir:       "/opt/seeds/angular",
	},
	model.FrameworkSvelte: {
		Name:          model.FrameworkSvelte,
		GeneratorCmd:  "pnpm create vite@latest . --template svelte-ts",
		DevCmd:        "pnpm dev --port %d --host",
		InstallCmd:    "pnpm install",
		ConfigMarkers: []string{"svelte.config.js", "vite.config.ts"},
		SeedDir:       "/opt/seeds/svelte",
	},
}

// LookupFramework returns the definition for a framework name.
func LookupFramework(name string) (Framework, bool) {
	fw, ok := frameworks[name]
	return fw, ok
}

// UI component toolkit (shadcn). Initialized once per project; its config
// file marks it as done.
const (
	toolkitInitCmd   = "pnpm dlx shadcn@latest init -d"
	toolkitConfig    = "components.json"
	packageJSONFile  = "package.json"
	nodeModulesDir   = "node_modules"
	installRetryFlag = "--prefer-offline"
)

// WorkingDir returns the sandbox path under which a project's files live.
// Derived from the project id so projects never collide within a shared
// sandbox.
func WorkingDir(workspaceRoot, projectID string) string {
	return path.Join(workspaceRoot, projectID)
}

// DevServerLogPath is where a project's dev server output is redirected so
// the log-tail endpoint can read it.
func DevServerLogPath(projectID string) string {
	return fmt.Sprintf("/tmp/buildpad-dev-%s.log", projectID)
}
