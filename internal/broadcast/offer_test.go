package broadcast

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offerbot/internal/transport"
)

func TestDiscountedPrice(t *testing.T) {
	cases := []struct {
		price, discount, want string
	}{
		{"100.00", "25", "75"},
		{"100.00", "0", "100"},
		{"100.00", "100", "0"},
		{"49.90", "10", "44.91"},
		{"19.99", "33", "13.39"},
	}
	for _, tc := range cases {
		got := DiscountedPrice(dec(tc.price), dec(tc.discount))
		assert.Truef(t, got.Equal(dec(tc.want)), "%s at %s%%: got %s want %s", tc.price, tc.discount, got, tc.want)
	}
}

func TestOfferLabel(t *testing.T) {
	def := Definition{ID: "b1", Discount: dec("25")}
	o := NewOffer(Plan{ID: "p", Name: "VIP", Price: dec("100")}, def)

	assert.Equal(t, "VIP - R$ 75.00 (25% OFF)", o.Label("R$"))
	assert.Equal(t, "VIP - 75.00 (25% OFF)", o.Label(""))
	assert.True(t, o.OriginalPrice.Equal(dec("100")))
	assert.True(t, o.ScheduledBroadcast)
	assert.Equal(t, "b1", o.BroadcastID)
}

func TestOfferLabelTruncatesDiscount(t *testing.T) {
	o := NewOffer(Plan{Name: "Basic", Price: dec("10")}, Definition{Discount: dec("12.9")})
	assert.Equal(t, "Basic - R$ 8.71 (12% OFF)", o.Label("R$"))
}

func TestPaymentLabel(t *testing.T) {
	p := Plan{Name: "VIP"}
	assert.Equal(t, "VIP - Broadcast", PaymentLabel(p, "Broadcast"))
	assert.Equal(t, "VIP", PaymentLabel(p, " "))
}

func TestMessageContent(t *testing.T) {
	photo := &transport.Media{Kind: transport.MediaPhoto, File: "AgAD"}

	c := MessageContent(Definition{Text: ""}, "fallback")
	assert.Equal(t, "fallback", c.Text)
	assert.Nil(t, c.Media)

	c = MessageContent(Definition{Text: "hello"}, "fallback")
	assert.Equal(t, "hello", c.Text)

	c = MessageContent(Definition{Media: photo}, "fallback")
	require.NotNil(t, c.Media)
	assert.Equal(t, "", c.Text, "media without text has no caption")

	c = MessageContent(Definition{Media: photo, Text: "cap"}, "fallback")
	assert.Equal(t, "cap", c.Text)
	assert.NotSame(t, photo, c.Media)
}

func TestDefinitionValidate(t *testing.T) {
	ok := Definition{ID: "b", Time: "10:00", Discount: dec("10")}
	require.NoError(t, ok.Validate())

	bad := []Definition{
		{Time: "10:00"},
		{ID: "b", Time: "25:00"},
		{ID: "b", Time: "10:00", Discount: dec("-1")},
		{ID: "b", Time: "10:00", Discount: dec("100.5")},
		{ID: "b", Time: "10:00", Media: &transport.Media{Kind: "audio", File: "x"}},
		{ID: "b", Time: "10:00", Media: &transport.Media{Kind: transport.MediaVideo}},
	}
	for i, d := range bad {
		err := d.Validate()
		require.Errorf(t, err, "case %d", i)
		assert.Truef(t, IsConfig(err), "case %d: %v", i, err)
	}
}
