package mcpmgr

import "os"

// defaultServerSpecs returns the baseline roster of server specifications
// the Manager pre-registers at construction: a local filesystem server plus
// a handful of blockchain-analytics subprocesses, none autostarted. Per-
// server API keys are overlaid from the ambient environment onto each
// spec's Env at registration time, so a deployment only needs to set the
// relevant environment variable to activate a server's credentials; a
// caller can still override them per-connect via ConnectOverrides.
func defaultServerSpecs() []ServerSpec {
	return []ServerSpec{
		{
			Name:        "filesystem",
			Command:     "npx",
			Args:        []string{"-y", "@modelcontextprotocol/server-filesystem", "."},
			Description: "Local filesystem access (read/write/list) scoped to the working directory.",
		},
		{
			Name:        "nodit",
			Command:     "npx",
			Args:        []string{"-y", "@noditlabs/nodit-mcp-server"},
			Env:         envOverlay("NODIT_API_KEY"),
			Description: "Nodit multi-chain indexing and analytics API.",
		},
		{
			Name:        "dune-analytics",
			Command:     "npx",
			Args:        []string{"-y", "@duneanalytics/mcp-server"},
			Env:         envOverlay("DUNE_API_KEY"),
			Description: "Dune Analytics SQL queries over on-chain data.",
		},
		{
			Name:        "etherscan",
			Command:     "npx",
			Args:        []string{"-y", "@etherscan/mcp-server"},
			Env:         envOverlay("ETHERSCAN_API_KEY"),
			Description: "Etherscan contract, transaction, and log lookups.",
		},
		{
			Name:        "coingecko",
			Command:     "npx",
			Args:        []string{"-y", "@coingecko/mcp-server"},
			Env:         envOverlay("COINGECKO_API_KEY"),
			Description: "CoinGecko market data and price history.",
		},
		{
			Name:        "defillama",
			Command:     "npx",
			Args:        []string{"-y", "@defillama/mcp-server"},
			Description: "DeFiLlama protocol TVL and yield data; no API key required.",
		},
	}
}

// envOverlay builds an Env overlay from ambient environment variables,
// omitting any key that is unset or empty so an absent variable never
// shadows a value a caller supplies later via ConnectOverrides.
func envOverlay(keys ...string) map[string]string {
	overlay := make(map[string]string)
	for _, k := range keys {
		if v, ok := os.LookupEnv(k); ok && v != "" {
			overlay[k] = v
		}
	}
	if len(overlay) == 0 {
		return nil
	}
	return overlay
}
