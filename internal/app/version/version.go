package version

// Overridden at build time with
// -ldflags "-X banhammer/internal/app/version.buildVersion=... -X banhammer/internal/app/version.builtAt=...".
var (
	buildVersion = "dev"
	builtAt      = "unknown"
)

// Info is the build metadata of the running binary.
type Info struct {
	BuildVersion string `json:"buildVersion"`
	BuiltAt      string `json:"builtAt"`
}

func Get() Info {
	return Info{
		BuildVersion: buildVersion,
		BuiltAt:      builtAt,
	}
}

// String formats the metadata for --version output.
func String() string {
	return buildVersion + " (built " + builtAt + ")"
}
