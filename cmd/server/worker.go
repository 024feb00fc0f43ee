package main

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/driftpub/driftpub/domain"
	"github.com/driftpub/driftpub/ids"
	"github.com/driftpub/driftpub/objects"
	"github.com/driftpub/driftpub/objstore"
	"github.com/driftpub/driftpub/outbound"
	"github.com/driftpub/driftpub/streams"
)

// deliveryWorker periodically drains the staging outbox, translating and
// delivering each activity, the same role app.go assigns to
// activitypub.StartDeliveryWorker — reimplemented here since that
// function's body was never part of the retrieval pack.
type deliveryWorker struct {
	store    *objstore.FileStore
	objects  *objects.DB
	outbound *outbound.Deps
	interval time.Duration
}

func (w *deliveryWorker) run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

func (w *deliveryWorker) drain(ctx context.Context) {
	keys, err := w.store.ListStaged()
	if err != nil {
		log.Printf("delivery worker: listing staged activities: %v", err)
		return
	}
	for _, key := range keys {
		if err := w.deliverOne(ctx, key); err != nil {
			log.Printf("delivery worker: %s: %v", key, err)
		}
	}
}

func (w *deliveryWorker) deliverOne(ctx context.Context, key string) error {
	username := objstore.StagedUser(key)
	if username == "" {
		return nil
	}
	staged, err := objstore.LoadObject(w.store, key)
	if err != nil {
		return err
	}

	translated, err := outbound.Translate(ctx, w.outbound, username, staged)
	if err != nil {
		return err
	}

	recipients, err := outbound.ExpandRecipients(ctx, w.outbound, username, translated)
	if err != nil {
		return err
	}
	for _, inbox := range recipients {
		if err := outbound.Deliver(ctx, w.outbound, username, translated, inbox); err != nil {
			log.Printf("delivery worker: delivering %s to %s: %v", translated.ID(), inbox, err)
		}
	}

	if err := w.recordDelivered(ctx, username, translated); err != nil {
		return err
	}
	return w.store.Delete(key)
}

// recordDelivered files the translated activity into the permanent outbox
// key and the monthly activity-history index, tolerating a duplicate
// record if a prior run already got this far before crashing.
func (w *deliveryWorker) recordDelivered(ctx context.Context, username string, activity streams.Object) error {
	_, _, uniquePart, err := ids.ParseActivityID(activity.ID())
	if err != nil {
		return err
	}
	if err := objstore.SaveActivityInOutbox(w.store, username, uniquePart, activity); err != nil {
		return err
	}

	published, ok := activity.Published()
	if !ok {
		published = time.Now().UTC()
	}
	rec := domain.ActivityRecord{
		Username: username, Month: ids.ActivityCursorPartition(published),
		CreatedAt: published, UniquePart: uniquePart,
		ActivityID: activity.ID(), ActivityType: activity.Type(),
		Published: published, IsPublic: activity.IsPublic(),
	}
	if err := w.objects.PutActivity(ctx, rec); err != nil && !errors.Is(err, objects.ErrDuplicate) {
		return err
	}
	return nil
}
