package intent

// Chain is an EVM chain id.
type Chain int

const (
	ChainEthereum Chain = 1
	ChainOptimism Chain = 10
	ChainPolygon  Chain = 137
	ChainBase     Chain = 8453
	ChainArbitrum Chain = 42161
	ChainSepolia  Chain = 11155111
)

var chainNames = map[Chain]string{
	ChainEthereum: "ethereum",
	ChainOptimism: "optimism",
	ChainPolygon:  "polygon",
	ChainBase:     "base",
	ChainArbitrum: "arbitrum",
	ChainSepolia:  "sepolia",
}

func (c Chain) Known() bool {
	_, ok := chainNames[c]
	return ok
}

func (c Chain) String() string {
	if n, ok := chainNames[c]; ok {
		return n
	}
	return "unknown"
}

func (c Chain) IsTestnet() bool {
	return c == ChainSepolia
}

// Venue is a trading venue identifier.
type Venue string

const (
	VenueUniswapV3   Venue = "uniswap_v3"
	VenueUniswapV2   Venue = "uniswap_v2"
	VenueCurve       Venue = "curve"
	VenueBalancer    Venue = "balancer"
	VenueSushiswap   Venue = "sushiswap"
	VenuePancakeswap Venue = "pancakeswap"
)

// supportedVenues lists the venues routable per chain.
var supportedVenues = map[Chain][]Venue{
	ChainEthereum: {VenueUniswapV3, VenueCurve, VenueBalancer},
	ChainArbitrum: {VenueUniswapV3, VenueSushiswap},
	ChainBase:     {VenueUniswapV3},
}

// SupportedVenues returns the venues routable on c, in preference order.
func SupportedVenues(c Chain) []Venue {
	return append([]Venue(nil), supportedVenues[c]...)
}

func VenueSupported(c Chain, v Venue) bool {
	for _, s := range supportedVenues[c] {
		if s == v {
			return true
		}
	}
	return false
}
