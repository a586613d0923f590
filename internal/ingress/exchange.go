package ingress

import (
	"strings"

	"github.com/anirbansen/tradepulse/internal/models"
)

// commodityNames marks the scrips that trade on MCX when the producer did not
// tag an exchange. Matched against the company name, longest names first so
// NATURALGAS does not stop at GAS.
var commodityNames = []string{
	"NATURALGAS", "NATURAL GAS", "CRUDEOIL", "CRUDE OIL", "CRUDE",
	"GOLDM", "GOLD", "SILVERM", "SILVER", "COPPER", "ZINC", "LEAD",
	"NICKEL", "ALUMINIUM", "MENTHAOIL", "COTTON",
}

// ResolveExchange returns the signal's exchange code, inferring MCX from
// commodity names when the producer left it blank. The inferred code is
// written back so downstream routing sees a resolved signal.
func ResolveExchange(sig *models.StrategySignal) string {
	if sig.Exchange != "" {
		return sig.Exchange
	}

	name := strings.ToUpper(strings.TrimSpace(sig.CompanyName))
	exchange := models.ExchangeNSE
	exchangeType := models.ExchTypeCash
	for _, commodity := range commodityNames {
		if strings.Contains(name, commodity) {
			exchange = models.ExchangeMCX
			exchangeType = models.ExchTypeCommodity
			break
		}
	}

	sig.Exchange = exchange
	if sig.ExchangeType == "" {
		sig.ExchangeType = exchangeType
	}
	return exchange
}
