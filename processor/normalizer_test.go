package processor

import (
	"context"
	"testing"
	"time"

	appconfig "priceflow/config"
	"priceflow/internal/channel"
	"priceflow/models"
)

func newTestNormalizer(t *testing.T) *Normalizer {
	t.Helper()
	return NewNormalizer(newTestExtractor(t))
}

func rawListing() models.RawListing {
	return models.RawListing{
		Marketplace: "mercadolivre",
		Title:       "Pneu Goodyear EfficientGrip Performance 185/65R15 88H",
		URL:         "https://produto.example.com/pneu-185",
		RawPrice:    "R$ 299,90",
		CollectedAt: time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC),
		SourceFile:  "data/raw/mercadolivre/2026-08-20.csv",
	}
}

func TestNormalizeHappyPath(t *testing.T) {
	n := newTestNormalizer(t)

	out, priceFail, fail := n.Normalize(rawListing())
	if fail != nil {
		t.Fatalf("unexpected failure: %v", fail)
	}
	if priceFail != nil {
		t.Fatalf("unexpected price failure: %v", priceFail)
	}
	if out.Brand != "goodyear" {
		t.Errorf("brand = %q", out.Brand)
	}
	if out.Size != "185/65R15" {
		t.Errorf("size = %q", out.Size)
	}
	if !out.HasPrice() || out.CleanedPrice.Decimal.String() != "299.9" {
		t.Errorf("price = %v", out.CleanedPrice)
	}
	if out.Key != ResolveKey(models.Triplet{Brand: out.Brand, Model: out.Model, Size: out.Size}) {
		t.Errorf("key not derived from extracted triplet: %s", out.Key)
	}
}

func TestNormalizeRejectsMissingFields(t *testing.T) {
	n := newTestNormalizer(t)

	raw := rawListing()
	raw.URL = ""
	if _, _, fail := n.Normalize(raw); fail == nil || fail.Field != "url" {
		t.Fatalf("expected url failure, got %v", fail)
	}

	raw = rawListing()
	raw.CollectedAt = time.Time{}
	if _, _, fail := n.Normalize(raw); fail == nil || fail.Field != "collected_at" {
		t.Fatalf("expected collected_at failure, got %v", fail)
	}
}

func TestNormalizeInfersMarketplaceFromURL(t *testing.T) {
	n := newTestNormalizer(t)

	raw := rawListing()
	raw.Marketplace = ""
	raw.URL = "https://www.magazineluiza.com.br/pneu-goodyear"
	out, _, fail := n.Normalize(raw)
	if fail != nil {
		t.Fatalf("unexpected failure: %v", fail)
	}
	if out.Marketplace != "magazineluiza" {
		t.Errorf("marketplace = %q", out.Marketplace)
	}

	raw.Marketplace = ""
	raw.URL = "not-a-url"
	if _, _, fail := n.Normalize(raw); fail == nil || fail.Field != "marketplace" {
		t.Fatalf("expected marketplace failure, got %v", fail)
	}
}

func TestNormalizeUnparsablePriceIsNonFatal(t *testing.T) {
	n := newTestNormalizer(t)

	raw := rawListing()
	raw.RawPrice = "consulte"
	out, priceFail, fail := n.Normalize(raw)
	if fail != nil {
		t.Fatalf("unexpected failure: %v", fail)
	}
	if priceFail == nil {
		t.Fatal("expected a price parse failure")
	}
	if out.HasPrice() {
		t.Fatal("listing must be kept without a price")
	}
}

func TestCleanPrice(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"R$ 1.199,90", "1199.9", true},
		{"1,199.90", "1199.9", true},
		{"299,90", "299.9", true},
		{"299.90", "299.9", true},
		{"R$450", "450", true},
		{"", "", false},
		{"consulte", "", false},
		{"-10,00", "", false},
		{"0", "", false},
	}
	for _, c := range cases {
		got, ok := CleanPrice(c.in)
		if ok != c.ok {
			t.Errorf("CleanPrice(%q) ok = %v, want %v", c.in, ok, c.ok)
			continue
		}
		if ok && got.String() != c.want {
			t.Errorf("CleanPrice(%q) = %s, want %s", c.in, got, c.want)
		}
	}
}

func TestStageStartStop(t *testing.T) {
	cfg := &appconfig.Config{
		Processor: appconfig.ProcessorConfig{MaxWorkers: 1},
	}
	channels := channel.NewChannels(4, 4)
	stage := NewStage(cfg, newTestNormalizer(t), channels)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := stage.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := stage.Start(ctx); err == nil {
		t.Fatal("expected error on second start")
	}

	batch := models.RawBatch{
		SourceFile: "data/raw/mercadolivre/2026-08-20.csv",
		Listings:   []models.RawListing{rawListing()},
		ReadAt:     time.Now().UTC(),
	}
	if !channels.SendRaw(ctx, batch) {
		t.Fatal("send raw")
	}
	channels.CloseRaw()

	out, ok := <-channels.Norm
	if !ok {
		t.Fatal("norm channel closed before emitting a batch")
	}
	if len(out.Listings) != 1 || len(out.Failures) != 0 {
		t.Fatalf("unexpected batch: %d listings, %d failures", len(out.Listings), len(out.Failures))
	}

	stage.Stop()
	if _, ok := <-channels.Norm; ok {
		t.Fatal("norm channel must be closed after stop")
	}
}

// A collector ranging over the norm channel has to terminate once the raw
// channel is drained, before Stop is ever called.
func TestStageCollectorFinishesBeforeStop(t *testing.T) {
	cfg := &appconfig.Config{
		Processor: appconfig.ProcessorConfig{MaxWorkers: 2},
	}
	channels := channel.NewChannels(4, 4)
	stage := NewStage(cfg, newTestNormalizer(t), channels)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := stage.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	for i := 0; i < 3; i++ {
		batch := models.RawBatch{
			SourceFile: "data/raw/mercadolivre/2026-08-20.csv",
			Listings:   []models.RawListing{rawListing()},
			ReadAt:     time.Now().UTC(),
		}
		if !channels.SendRaw(ctx, batch) {
			t.Fatal("send raw")
		}
	}
	channels.CloseRaw()

	collected := make(chan int, 1)
	go func() {
		n := 0
		for batch := range channels.Norm {
			n += len(batch.Listings)
		}
		collected <- n
	}()

	select {
	case n := <-collected:
		if n != 3 {
			t.Fatalf("collected %d listings, want 3", n)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("collector never finished, norm channel was not closed")
	}

	stage.Stop()
}
