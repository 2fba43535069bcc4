// Command pushsend delivers one Web Push message to a stored subscription,
// the way the FastTrack backend does. It is meant for exercising a push
// agent by hand.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/gioruanova/fasttrack-push/internal/model"
	"github.com/gioruanova/fasttrack-push/internal/push"
)

func main() {
	generate := flag.Bool("generate", false, "print a new VAPID key pair and exit")
	subPath := flag.String("subscription", "subscription.json", "file holding the subscription JSON")
	title := flag.String("title", "", "notification title")
	body := flag.String("body", "", "notification body")
	path := flag.String("path", "", "route opened on click")
	raw := flag.String("raw", "", "send this text as the payload instead of JSON")
	flag.Parse()

	if *generate {
		pub, priv, err := push.GenerateVAPIDKeys()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Printf("VAPID_PUBLIC_KEY=%s\nVAPID_PRIVATE_KEY=%s\n", pub, priv)
		return
	}

	if err := run(*subPath, *title, *body, *path, *raw); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println("sent")
}

func run(subPath, title, body, path, raw string) error {
	pub, priv := os.Getenv("VAPID_PUBLIC_KEY"), os.Getenv("VAPID_PRIVATE_KEY")
	if pub == "" || priv == "" {
		return errors.New("VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY must be set")
	}
	subscriber := os.Getenv("VAPID_SUBSCRIBER")
	if subscriber == "" {
		subscriber = "mailto:soporte@fasttrack.local"
	}

	data, err := os.ReadFile(subPath)
	if err != nil {
		return fmt.Errorf("read subscription: %w", err)
	}
	var sub model.Subscription
	if err := json.Unmarshal(data, &sub); err != nil {
		return fmt.Errorf("parse subscription: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sender := push.NewSender(pub, priv, subscriber)
	if raw != "" {
		return sender.SendRaw(ctx, sub, []byte(raw))
	}
	return sender.Send(ctx, sub, model.Payload{Title: title, Body: body, Path: path})
}
