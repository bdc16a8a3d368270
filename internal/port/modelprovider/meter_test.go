package modelprovider_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/fabrica-dev/fabrica/internal/port/modelprovider"
)

type stubProvider struct {
	usage modelprovider.Usage
	err   error
}

func (p *stubProvider) Complete(context.Context, modelprovider.Request) (*modelprovider.Completion, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &modelprovider.Completion{Text: "ok", Usage: p.usage}, nil
}

func TestMeterAccumulates(t *testing.T) {
	meter := modelprovider.NewMeter(&stubProvider{
		usage: modelprovider.Usage{PromptTokens: 10, CompletionTokens: 5, CostUSD: 0.01},
	})

	sink := &modelprovider.UsageSink{}
	ctx := modelprovider.WithUsageSink(context.Background(), sink)

	for range 3 {
		if _, err := meter.Complete(ctx, modelprovider.Request{Role: modelprovider.RolePlanner}); err != nil {
			t.Fatalf("Complete: %v", err)
		}
	}

	total := sink.Total()
	if total.PromptTokens != 30 || total.CompletionTokens != 15 {
		t.Errorf("unexpected token totals: %+v", total)
	}
	if total.CostUSD < 0.029 || total.CostUSD > 0.031 {
		t.Errorf("CostUSD = %v, want ~0.03", total.CostUSD)
	}
}

func TestMeterNoSink(t *testing.T) {
	meter := modelprovider.NewMeter(&stubProvider{usage: modelprovider.Usage{PromptTokens: 1}})
	if _, err := meter.Complete(context.Background(), modelprovider.Request{}); err != nil {
		t.Fatalf("Complete without sink: %v", err)
	}
}

func TestMeterErrorSkipsAccounting(t *testing.T) {
	wantErr := errors.New("upstream down")
	meter := modelprovider.NewMeter(&stubProvider{err: wantErr})

	sink := &modelprovider.UsageSink{}
	ctx := modelprovider.WithUsageSink(context.Background(), sink)

	if _, err := meter.Complete(ctx, modelprovider.Request{}); !errors.Is(err, wantErr) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if total := sink.Total(); total != (modelprovider.Usage{}) {
		t.Errorf("failed completion must not accrue usage: %+v", total)
	}
}

func TestUsageSinkConcurrent(t *testing.T) {
	sink := &modelprovider.UsageSink{}
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sink.Add(modelprovider.Usage{PromptTokens: 1})
		}()
	}
	wg.Wait()
	if total := sink.Total(); total.PromptTokens != 50 {
		t.Errorf("PromptTokens = %d, want 50", total.PromptTokens)
	}
}
