package rules

// Rule is one weighted predicate of the scoring catalogue.
// Expression is a CEL program over the variables declared in NewEngine
// and must evaluate to bool.
type Rule struct {
	Name        string
	Description string
	Weight      float64
	Expression  string
}

// DefaultCatalogue returns the UPI heuristic checklist in evaluation order.
func DefaultCatalogue() []Rule {
	return []Rule{
		{
			Name:        "High Amount Transaction",
			Description: "Transactions above 10,000 INR",
			Weight:      0.30,
			Expression:  `amount > 10000.0`,
		},
		{
			Name:        "Unusual Hour Transaction",
			Description: "Transactions between 11 PM and 5 AM",
			Weight:      0.20,
			Expression:  `hour_of_day >= 23 || hour_of_day < 5`,
		},
		{
			Name:        "Failed Transaction Pattern",
			Description: "Any transaction that did not complete successfully",
			Weight:      0.25,
			Expression:  `transaction_status != "SUCCESS"`,
		},
		{
			Name:        "Cross-State High Value",
			Description: "Amounts above 5,000 INR where sender and receiver states differ",
			Weight:      0.25,
			Expression:  `amount > 5000.0 && sender_state != receiver_state`,
		},
		{
			Name:        "Suspicious Device Type",
			Description: "Web transactions above 3,000 INR",
			Weight:      0.15,
			Expression:  `device_type == "Web" && amount > 3000.0`,
		},
		{
			Name:        "Very Small Amount",
			Description: "Amounts below 50 INR, typical of card-testing probes",
			Weight:      0.10,
			Expression:  `amount < 50.0`,
		},
		{
			Name:        "Weekend High Value",
			Description: "Amounts above 8,000 INR on a weekend",
			Weight:      0.15,
			Expression:  `is_weekend == 1 && amount > 8000.0`,
		},
		{
			Name:        "Age Group Mismatch",
			Description: "Transfers above 3,000 INR between the 56+ and 18-25 age groups",
			Weight:      0.20,
			Expression: `amount > 3000.0 && (
				(sender_age_group == "56+" && receiver_age_group == "18-25") ||
				(sender_age_group == "18-25" && receiver_age_group == "56+"))`,
		},
		{
			Name:        "Risky Category Combination",
			Description: "P2P transfers above 5,000 INR tagged Entertainment or Shopping",
			Weight:      0.15,
			Expression:  `transaction_type == "P2P" && merchant_category in ["Entertainment", "Shopping"] && amount > 5000.0`,
		},
		{
			Name:        "Network Type Anomaly",
			Description: "3G connections carrying amounts above 2,000 INR",
			Weight:      0.10,
			Expression:  `network_type == "3G" && amount > 2000.0`,
		},
	}
}
