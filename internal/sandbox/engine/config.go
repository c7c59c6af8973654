package engine

// Config controls sandbox engine behavior.
type Config struct {
	CgroupRoot           string
	SeccompDir           string
	HelperPath           string
	StdoutStderrMaxBytes int64
	EnableSeccomp        bool
	EnableCgroup         bool
	EnableNamespaces     bool
}
