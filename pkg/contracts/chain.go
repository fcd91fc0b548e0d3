package contracts

import "strings"

// Chain identifies one of the supported chain families. Bridge and rebalance
// commands name endpoints by these tags; the router enumerates the six
// ordered pairs between them.
type Chain string

const (
	ChainEVM Chain = "evm"
	ChainSui Chain = "sui"
	ChainArc Chain = "arc"
)

// chainAliases maps user-facing spellings to canonical tags. The document is
// edited by humans, so the parser is generous here.
var chainAliases = map[string]Chain{
	"evm":      ChainEVM,
	"base":     ChainEVM,
	"ethereum": ChainEVM,
	"eth":      ChainEVM,
	"sui":      ChainSui,
	"arc":      ChainArc,
	"circle":   ChainArc,
}

// ParseChain canonicalises a chain tag. The second return is false for
// unknown tags.
func ParseChain(s string) (Chain, bool) {
	c, ok := chainAliases[strings.ToLower(strings.TrimSpace(s))]
	return c, ok
}

// Chains lists the canonical chain tags in a stable order.
func Chains() []Chain {
	return []Chain{ChainEVM, ChainSui, ChainArc}
}
