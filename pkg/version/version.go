package version

var (
	// Version is injected at build time via -ldflags.
	Version   = "v0.0.0-dev"
	GitCommit = "HEAD"
)

func FriendlyVersion() string {
	return Version + " (" + GitCommit + ")"
}
