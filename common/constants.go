package common

const (
	IRFileExtension  = ".ll"
	ManifestFileName = "orc-jit.toml"
	OrcVersion       = "0.1.0"
	HistoryFileName  = ".orc-history"
)

// MainDylibName is the name given to the JITDylib every session creates first
const MainDylibName = "<main>"
