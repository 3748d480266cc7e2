package config

const (
	defaultWorkDir               = "~/.local/share/anvil/work"
	defaultLogDir                = "~/.local/share/anvil/logs"
	defaultManifestBaseURL       = "https://hub.spigotmc.org/versions"
	defaultManifestPathTemplate  = "{version}.json"
	defaultManifestTimeout       = 30
	defaultFetchConcurrency      = 4
	defaultRetryAttempts         = 4
	defaultBackoffInitialMillis  = 500
	defaultBackoffMaxMillis      = 15000
	defaultBackoffMultiplier     = 2.0
	defaultRequestTimeoutSeconds = 120
	defaultUserAgent             = "anvil/dev"
	defaultFuzz                  = 3
	defaultSearchOrder           = "alternate"
	defaultStrip                 = 1
	defaultBaselineTree          = "baseline"
	defaultJavaOptions           = "-Djdk.net.URLClassPath.disableClassPathURLCheck=true"
	defaultMavenOptions          = "-Xmx1024M"
	defaultToolchainTimeout      = 3600
	defaultMinMemoryMiB          = 1024
	defaultCacheMaxGiB           = 20
	defaultCacheMaxReruns        = 1
	defaultCacheWaitPollMS       = 500
	defaultLogFormat             = "console"
	defaultLogLevel              = "info"

	defaultDecompileCommand = "java -jar tools/decompiler.jar -mapping {mapping} {input} {output}"
	defaultCompileCommand   = "java -jar tools/remap-compiler.jar --sources {sources} --classpath {classpath} --mapping {mapping} --output {output}"
)

// SearchOrders lists the accepted patches.search_order values.
var SearchOrders = []string{"alternate", "alternate-backward", "forward-first"}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			WorkDir:  defaultWorkDir,
			CacheDir: defaultCacheDir(),
			LogDir:   defaultLogDir,
		},
		Manifest: Manifest{
			BaseURL:        defaultManifestBaseURL,
			PathTemplate:   defaultManifestPathTemplate,
			TimeoutSeconds: defaultManifestTimeout,
		},
		Fetch: Fetch{
			Concurrency:           defaultFetchConcurrency,
			RetryAttempts:         defaultRetryAttempts,
			BackoffInitialMillis:  defaultBackoffInitialMillis,
			BackoffMaxMillis:      defaultBackoffMaxMillis,
			BackoffMultiplier:     defaultBackoffMultiplier,
			RequestTimeoutSeconds: defaultRequestTimeoutSeconds,
			UserAgent:             defaultUserAgent,
		},
		Patches: Patches{
			Fuzz:         defaultFuzz,
			SearchOrder:  defaultSearchOrder,
			Strip:        defaultStrip,
			BaselineTree: defaultBaselineTree,
			Layers:       defaultLayers(),
		},
		Toolchain: Toolchain{
			DecompileCommand: defaultDecompileCommand,
			CompileCommand:   defaultCompileCommand,
			JavaOptions:      defaultJavaOptions,
			MavenOptions:     defaultMavenOptions,
			TimeoutSeconds:   defaultToolchainTimeout,
			MinMemoryMiB:     defaultMinMemoryMiB,
		},
		Cache: Cache{
			MaxGiB:     defaultCacheMaxGiB,
			MaxReruns:  defaultCacheMaxReruns,
			WaitPollMS: defaultCacheWaitPollMS,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}

func defaultLayers() []Layer {
	return []Layer{
		{Name: "server", Tree: "intermediate", Directory: "server-patches"},
		{Name: "api", Tree: "final", Directory: "api-patches"},
	}
}
