package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strings"

	"github.com/CuriousInventions/smartpaci-dfu/dfu"
	"github.com/CuriousInventions/smartpaci-dfu/image"
)

func runInspect(_ context.Context, a *app, args []string) error {
	if len(args) != 1 {
		return errors.New("inspect needs exactly one image path")
	}

	img, err := image.Parse(args[0], image.WithMaxSize(a.cfg.MaxImageSize()))
	if err != nil {
		return err
	}
	fmt.Print(renderInfo(args[0], img))
	return nil
}

func runUpdate(ctx context.Context, a *app, args []string) error {
	if len(args) != 1 {
		return errors.New("update needs exactly one image path")
	}

	data, err := image.ReadFile(args[0], image.WithMaxSize(a.cfg.MaxImageSize()))
	if err != nil {
		return err
	}
	img, err := image.ParseBytes(data, image.WithMaxSize(a.cfg.MaxImageSize()))
	if err != nil {
		return err
	}
	fmt.Print(renderInfo(args[0], img))
	if err := img.Validate(); err != nil {
		return err
	}

	if _, err := a.openHistory(); err != nil {
		return err
	}
	upd, err := a.connect(ctx)
	if err != nil {
		return err
	}

	run, err := upd.Run(ctx, data)
	if err != nil {
		return err
	}

	bar := newProgressView()
	for ev := range run.Events() {
		switch ev.Kind {
		case dfu.EventUploadProgress:
			fmt.Print("\r\033[K" + bar.render(ev))
		case dfu.EventUploadCompleted:
			fmt.Print("\r\033[K" + bar.render(ev) + "\n")
			fmt.Println(labelStyle.Render("Testing image and resetting device..."))
		default:
			fmt.Println()
			fmt.Println(renderResult(ev))
		}
	}

	res := run.Wait()
	if res.Kind != dfu.EventBootConfirmed {
		if res.Err != nil {
			return fmt.Errorf("%s: %w", res.Kind, res.Err)
		}
		return fmt.Errorf("update ended with %s", res.Kind)
	}
	return nil
}

func runStatus(ctx context.Context, a *app, _ []string) error {
	upd, err := a.connect(ctx)
	if err != nil {
		return err
	}
	slots, err := upd.Client().ImageState(ctx)
	if err != nil {
		return err
	}
	fmt.Print(renderSlots(slots))
	return nil
}

func runEcho(ctx context.Context, a *app, args []string) error {
	upd, err := a.connect(ctx)
	if err != nil {
		return err
	}
	text := strings.Join(args, " ")
	if text == "" {
		text = "ping"
	}
	reply, err := upd.Client().Echo(ctx, text)
	if err != nil {
		return err
	}
	fmt.Println(reply)
	return nil
}

func runParams(ctx context.Context, a *app, _ []string) error {
	upd, err := a.connect(ctx)
	if err != nil {
		return err
	}
	p, err := upd.Client().Params(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%s %d\n%s %d\n",
		labelStyle.Render("Buffer size: "), p.BufSize,
		labelStyle.Render("Buffer count:"), p.BufCount,
	)
	return nil
}

func runErase(ctx context.Context, a *app, _ []string) error {
	upd, err := a.connect(ctx)
	if err != nil {
		return err
	}
	if err := upd.Client().EraseImage(ctx); err != nil {
		return err
	}
	fmt.Println(okStyle.Render("Secondary slot erased"))
	return nil
}

func runReset(ctx context.Context, a *app, _ []string) error {
	upd, err := a.connect(ctx)
	if err != nil {
		return err
	}
	if err := upd.Client().Reset(ctx); err != nil {
		return err
	}
	fmt.Println(okStyle.Render("Reset sent"))
	return nil
}

func runHistory(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	limit := fs.Int("n", 20, "Number of updates to list (0 for all)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if !a.cfg.History.Enabled {
		return errors.New("history is disabled in the configuration")
	}
	store, err := a.openHistory()
	if err != nil {
		return err
	}
	reports, err := store.List(ctx, *limit)
	if err != nil {
		return err
	}
	fmt.Print(renderHistory(reports))
	return nil
}
