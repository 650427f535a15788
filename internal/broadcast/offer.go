package broadcast

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"offerbot/internal/transport"
)

var hundred = decimal.NewFromInt(100)

// DiscountedPrice returns price * (1 - discount/100), rounded to cents.
func DiscountedPrice(price, discount decimal.Decimal) decimal.Decimal {
	return price.Mul(hundred.Sub(discount)).Div(hundred).Round(2)
}

// NewOffer prices plan p for broadcast def.
func NewOffer(p Plan, def Definition) Offer {
	return Offer{
		Plan:               p,
		Price:              DiscountedPrice(p.Price, def.Discount),
		OriginalPrice:      p.Price,
		Discount:           def.Discount,
		BroadcastID:        def.ID,
		ScheduledBroadcast: true,
	}
}

// Label renders the button text of an offer, e.g. "VIP - R$ 75.00 (25% OFF)".
// The discount is shown truncated to an integer.
func (o Offer) Label(currency string) string {
	price := o.Price.StringFixed(2)
	if c := strings.TrimSpace(currency); c != "" {
		price = c + " " + price
	}
	return fmt.Sprintf("%s - %s (%d%% OFF)", o.Plan.Name, price, o.Discount.IntPart())
}

// PaymentLabel describes the payment created for plan p, e.g. "VIP - Broadcast".
func PaymentLabel(p Plan, suffix string) string {
	if strings.TrimSpace(suffix) == "" {
		return p.Name
	}
	return p.Name + " - " + suffix
}

// MessageContent builds the outbound message of def.
//
// With media, the text becomes the caption (or none when empty). Without media,
// the text is the body and fallback replaces an empty text.
func MessageContent(def Definition, fallback string) transport.Content {
	if def.Media != nil {
		m := *def.Media
		return transport.Content{Text: def.Text, Media: &m}
	}
	text := def.Text
	if strings.TrimSpace(text) == "" {
		text = fallback
	}
	return transport.Content{Text: text}
}

// Validate checks everything a loop needs from def before it can schedule it.
func (def Definition) Validate() error {
	if strings.TrimSpace(def.ID) == "" {
		return ConfigError(errors.New("broadcast id required"))
	}
	if _, _, err := ParseFireTime(def.Time); err != nil {
		return ConfigError(fmt.Errorf("broadcast %s: %w", def.ID, err))
	}
	if def.Discount.IsNegative() || def.Discount.GreaterThan(hundred) {
		return ConfigError(fmt.Errorf("broadcast %s: discount %s out of range [0, 100]", def.ID, def.Discount))
	}
	if def.Media != nil {
		if !def.Media.Kind.Valid() {
			return ConfigError(fmt.Errorf("broadcast %s: unsupported media kind %q", def.ID, def.Media.Kind))
		}
		if strings.TrimSpace(def.Media.File) == "" {
			return ConfigError(fmt.Errorf("broadcast %s: media file required", def.ID))
		}
	}
	return nil
}
