package miner

// Spec describes one supported miner binary. The catalog is the
// allowlist: unknown miner names are rejected before any command string
// exists.
type Spec struct {
	Name       string
	BinaryPath string
	LogPath    string
	Algorithms []string
}

// supportsAlgorithm reports whether algo is on the miner's allowlist.
func (s Spec) supportsAlgorithm(algo string) bool {
	for _, a := range s.Algorithms {
		if a == algo {
			return true
		}
	}
	return false
}

// DefaultCatalog is the stock miner allowlist. Deployments extend it
// through configuration.
func DefaultCatalog() map[string]Spec {
	return map[string]Spec{
		"t-rex": {
			Name:       "t-rex",
			BinaryPath: "/usr/local/bin/t-rex",
			LogPath:    "/var/log/miners/t-rex.log",
			Algorithms: []string{"kawpow", "ethash", "etchash", "autolykos2", "octopus", "blake3"},
		},
		"lolminer": {
			Name:       "lolminer",
			BinaryPath: "/usr/local/bin/lolMiner",
			LogPath:    "/var/log/miners/lolminer.log",
			Algorithms: []string{"etchash", "ethash", "autolykos2", "beam-iii", "equihash"},
		},
		"xmrig": {
			Name:       "xmrig",
			BinaryPath: "/usr/local/bin/xmrig",
			LogPath:    "/var/log/miners/xmrig.log",
			Algorithms: []string{"rx/0", "randomx", "cn/r", "ghostrider"},
		},
	}
}
