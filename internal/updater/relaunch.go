package updater

// RelaunchOptions says how to bring the application back after a commit.
// When Service is set the platform service manager restarts it; otherwise
// Executable is started as a detached process with Args.
type RelaunchOptions struct {
	Executable string
	Args       []string
	Service    string
}
