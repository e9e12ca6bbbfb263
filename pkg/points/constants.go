package points

import "github.com/shopspring/decimal"

const (
	operationCommitPurchase  = "commit_purchase"
	operationRedeemToWallet  = "redeem_to_wallet"
	operationPurchaseService = "purchase_service"
	operationCredit          = "credit"

	operationStatusOK       = "ok"
	operationStatusError    = "error"
	operationStatusReplayed = "replayed"

	// One point discounts ten currency units at purchase time. Redeeming to
	// the cash wallet pays out 0.01 currency units per point; the asymmetry
	// is intentional and matches the marketplace client.
	currencyUnitsPerPoint int64 = 10
	redeemCashRateExp     int32 = -2
)

// purchaseRate returns the currency value one point is worth as a discount.
func purchaseRate() decimal.Decimal {
	return decimal.NewFromInt(currencyUnitsPerPoint)
}

// redeemCashRate returns the currency value one point is worth when redeemed.
func redeemCashRate() decimal.Decimal {
	return decimal.New(1, redeemCashRateExp)
}

// serviceCatalog fixes the point cost of each purchasable marketplace service.
var serviceCatalog = map[string]Points{
	"featured_listing":  150,
	"listing_highlight": 40,
	"inspection_report": 80,
	"priority_support":  60,
}

// ServiceCost reports the catalog price of a service in points.
func ServiceCost(serviceID ServiceID) (Points, bool) {
	cost, found := serviceCatalog[serviceID.String()]
	return cost, found
}
