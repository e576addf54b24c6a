package config

import (
	"testing"
	"time"
)

func TestParsePrinters(t *testing.T) {
	devices, err := ParsePrinters("kitchen=192.168.1.50:9100, bar=192.168.1.51 ,192.168.1.52:9101")
	if err != nil {
		t.Fatalf("ParsePrinters: %v", err)
	}
	if len(devices) != 3 {
		t.Fatalf("expected 3 printers, got %d", len(devices))
	}

	if devices[0].Alias != "kitchen" || devices[0].IP != "192.168.1.50" || devices[0].Port != 9100 {
		t.Errorf("first entry parsed wrong: %+v", devices[0])
	}
	if !devices[0].IsDefault {
		t.Error("first printer should be the default")
	}

	// Port defaults to 9100
	if devices[1].Port != 9100 {
		t.Errorf("expected default port 9100, got %d", devices[1].Port)
	}
	if devices[1].IsDefault {
		t.Error("only the first printer is the default")
	}

	// Alias is optional
	if devices[2].Alias != "" || devices[2].Port != 9101 {
		t.Errorf("third entry parsed wrong: %+v", devices[2])
	}
}

func TestParsePrintersErrors(t *testing.T) {
	if _, err := ParsePrinters("kitchen=192.168.1.50:notaport"); err == nil {
		t.Error("expected error for bad port")
	}
	if _, err := ParsePrinters("kitchen=:9100"); err == nil {
		t.Error("expected error for missing address")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PRINTAGENT_URL", "ws://localhost:3000/print-agent")
	t.Setenv("PRINTAGENT_SHOP_ID", "shop-1")
	t.Setenv("PRINTAGENT_INTERVAL", "10")
	t.Setenv("PRINTAGENT_PRINTERS", "kitchen=192.168.1.50")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.ShopID != "shop-1" {
		t.Errorf("unexpected shop id %q", cfg.ShopID)
	}
	if cfg.HeartbeatInterval != 10*time.Second {
		t.Errorf("unexpected interval %s", cfg.HeartbeatInterval)
	}
	if len(cfg.Printers) != 1 {
		t.Errorf("expected 1 printer, got %d", len(cfg.Printers))
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadFromEnvRequiresShopID(t *testing.T) {
	t.Setenv("PRINTAGENT_URL", "ws://localhost:3000/print-agent")
	t.Setenv("PRINTAGENT_SHOP_ID", "")

	if _, err := LoadFromEnv(); err == nil {
		t.Error("expected error without shop id")
	}
}
