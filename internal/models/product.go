package models

// ProductCommon holds the fields every platform populates
type ProductCommon struct {
	ID           string      `json:"id"`
	Title        string      `json:"title"`
	Description  string      `json:"description"`
	DisplayPrice string      `json:"displayPrice"`
	Currency     string      `json:"currency"`
	Price        float64     `json:"price"`
	Type         ProductType `json:"type"`
	Platform     Platform    `json:"platform"`
}

// Product is implemented by ProductIOS and ProductAndroid only
type Product interface {
	Common() ProductCommon
	isProduct()
}

// ProductIOS is a StoreKit product
type ProductIOS struct {
	ProductCommon
	DisplayName        string               `json:"displayNameIOS,omitempty"`
	IsFamilyShareable  bool                 `json:"isFamilyShareableIOS"`
	JSONRepresentation string               `json:"jsonRepresentationIOS,omitempty"`
	Subscription       *SubscriptionInfoIOS `json:"subscriptionInfoIOS,omitempty"`
}

// SubscriptionInfoIOS describes an auto-renewable StoreKit product
type SubscriptionInfoIOS struct {
	SubscriptionGroupID string        `json:"subscriptionGroupId"`
	PeriodUnit          string        `json:"subscriptionPeriodUnit"`
	PeriodValue         int           `json:"subscriptionPeriodValue"`
	IntroductoryOffer   *DiscountIOS  `json:"introductoryOffer,omitempty"`
	PromotionalOffers   []DiscountIOS `json:"promotionalOffers,omitempty"`
}

// DiscountIOS is an introductory or promotional subscription offer
type DiscountIOS struct {
	ID           string  `json:"id,omitempty"`
	DisplayPrice string  `json:"displayPrice"`
	Price        float64 `json:"price"`
	PaymentMode  string  `json:"paymentMode"`
	PeriodUnit   string  `json:"periodUnit"`
	PeriodCount  int     `json:"periodCount"`
}

func (p *ProductIOS) Common() ProductCommon { return p.ProductCommon }
func (*ProductIOS) isProduct()              {}

// ProductAndroid is a Play Billing ProductDetails
type ProductAndroid struct {
	ProductCommon
	Name                 string                     `json:"nameAndroid,omitempty"`
	OneTimePurchaseOffer *OneTimePurchaseOffer      `json:"oneTimePurchaseOfferDetailsAndroid,omitempty"`
	SubscriptionOffers   []SubscriptionOfferAndroid `json:"subscriptionOfferDetailsAndroid,omitempty"`
}

// OneTimePurchaseOffer is the price of a one-time Play product
type OneTimePurchaseOffer struct {
	FormattedPrice    string `json:"formattedPrice"`
	PriceAmountMicros int64  `json:"priceAmountMicros"`
	PriceCurrencyCode string `json:"priceCurrencyCode"`
}

// SubscriptionOfferAndroid is a base plan or offer of a Play subscription
type SubscriptionOfferAndroid struct {
	BasePlanID    string         `json:"basePlanId"`
	OfferID       string         `json:"offerId,omitempty"`
	OfferToken    string         `json:"offerToken"`
	OfferTags     []string       `json:"offerTags,omitempty"`
	PricingPhases []PricingPhase `json:"pricingPhases"`
}

// PricingPhase is one billing phase of a subscription offer
type PricingPhase struct {
	BillingPeriod     string `json:"billingPeriod"`
	FormattedPrice    string `json:"formattedPrice"`
	PriceAmountMicros int64  `json:"priceAmountMicros"`
	PriceCurrencyCode string `json:"priceCurrencyCode"`
	BillingCycleCount int    `json:"billingCycleCount"`
	RecurrenceMode    int    `json:"recurrenceMode"`
}

func (p *ProductAndroid) Common() ProductCommon { return p.ProductCommon }
func (*ProductAndroid) isProduct()              {}

// OfferToken returns the offer token of the given base plan. An empty
// base plan id selects the first offer without an offer id, which is the
// base plan itself.
func (p *ProductAndroid) OfferToken(basePlanID string) (string, bool) {
	for _, offer := range p.SubscriptionOffers {
		if basePlanID == "" && offer.OfferID == "" {
			return offer.OfferToken, true
		}
		if basePlanID != "" && offer.BasePlanID == basePlanID && offer.OfferID == "" {
			return offer.OfferToken, true
		}
	}
	return "", false
}
