package app

import (
	"context"
	"errors"
	"fmt"
	"io"

	"chanrelay/internal/commands"
	"chanrelay/internal/config"
	"chanrelay/internal/routing"
	"chanrelay/internal/storage"
	logx "chanrelay/pkg/logx"
)

// Check validates the settings file and the routing document without
// touching the network, and prints a summary to w. Nothing is written.
func Check(ctx context.Context, cfgPath string, w io.Writer) error {
	cfg, err := config.NewManager(cfgPath).Parse()
	if err != nil {
		return err
	}
	if err := validate(cfg, ""); err != nil {
		return err
	}
	fmt.Fprintf(w, "settings: %s ok\n", cfgPath)
	fmt.Fprintf(w, "relay: %s\n", cfg.Forward.DeliveryURL)
	if cfg.UsesDefaultSecret() {
		fmt.Fprintln(w, "warning: built-in shared secret in use")
	}

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	store, err := storage.Open(sc, logx.Nop())
	if err != nil {
		return err
	}
	defer store.Close()

	raw, err := store.GetDocument(ctx, cfg.Storage.Document)
	if errors.Is(err, storage.ErrNotFound) {
		fmt.Fprintf(w, "routing: %q missing, defaults are written on first start\n", cfg.Storage.Document)
		return nil
	}
	if err != nil {
		return err
	}
	rc, err := routing.Decode(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", routing.ErrConfigCorrupt, err)
	}
	if len(rc.Admins) == 0 && cfg.Telegram.DefaultAdmin == 0 {
		return errors.New("routing: no admins and telegram.default_admin is unset")
	}
	fmt.Fprintf(w, "routing: %q ok\n%s\n", cfg.Storage.Document, commands.FormatConfig(rc))
	return nil
}
