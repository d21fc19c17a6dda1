package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/sunsynk/pkg/log"
	"github.com/raterudder/sunsynk/pkg/types"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// historyIDFormat is fixed width so document IDs sort by time.
const historyIDFormat = "2006-01-02T15:04:05.000000000Z"

// FirestoreProvider implements Database using Google Cloud Firestore.
// Each inverter has a status document in "inverters" and a "history"
// subcollection keyed by timestamp.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
	now       func() time.Time
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")

	f := &FirestoreProvider{now: time.Now}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	// Project ID verification could be here, but we allow empty if inferred.
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	if f.now == nil {
		f.now = time.Now
	}
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreProvider) inverterDoc(serial string) (*firestore.DocumentRef, error) {
	if serial == "" {
		return nil, fmt.Errorf("serial cannot be empty")
	}
	return f.client.Collection("inverters").Doc(serial), nil
}

// updateStatus applies fn to the stored status inside a transaction.
func (f *FirestoreProvider) updateStatus(ctx context.Context, serial string, fn func(*types.InverterStatus)) error {
	ref, err := f.inverterDoc(serial)
	if err != nil {
		return err
	}
	return f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		st := types.InverterStatus{Serial: serial}
		doc, err := tx.Get(ref)
		switch {
		case status.Code(err) == codes.NotFound:
		case err != nil:
			return fmt.Errorf("failed to fetch inverter doc: %w", err)
		default:
			if st, err = decodeStatus(ctx, doc); err != nil {
				return err
			}
		}

		fn(&st)
		st.UpdatedAt = f.now()

		jsonBytes, err := json.Marshal(st)
		if err != nil {
			return fmt.Errorf("failed to marshal inverter status: %w", err)
		}
		return tx.Set(ref, map[string]interface{}{
			"json":      string(jsonBytes),
			"online":    st.Online,
			"timestamp": st.UpdatedAt,
		})
	})
}

func decodeStatus(ctx context.Context, doc *firestore.DocumentSnapshot) (types.InverterStatus, error) {
	val, err := doc.DataAt("json")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "inverter doc missing json", slog.String("serial", doc.Ref.ID))
		return types.InverterStatus{}, fmt.Errorf("inverter document %s missing 'json' field: %w", doc.Ref.ID, err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, "inverter doc json not string", slog.String("serial", doc.Ref.ID))
		return types.InverterStatus{}, fmt.Errorf("inverter document %s 'json' field is not a string", doc.Ref.ID)
	}
	var st types.InverterStatus
	if err := json.Unmarshal([]byte(jsonStr), &st); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal inverter status", slog.String("serial", doc.Ref.ID), slog.Any("err", err))
		return types.InverterStatus{}, fmt.Errorf("failed to unmarshal inverter status: %w", err)
	}
	return st, nil
}

// insertRecord adds a record to the inverter's "history" collection. The
// document ID is the record timestamp for efficient range queries.
func (f *FirestoreProvider) insertRecord(ctx context.Context, rec types.Record) error {
	ref, err := f.inverterDoc(rec.Serial)
	if err != nil {
		return err
	}
	jsonBytes, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	docID := rec.Timestamp.UTC().Format(historyIDFormat)
	_, err = ref.Collection("history").Doc(docID).Set(ctx, map[string]interface{}{
		"json":      string(jsonBytes),
		"kind":      string(rec.Kind),
		"timestamp": rec.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("failed to insert record: %w", err)
	}
	return nil
}

// Publish stores the latest values and appends them to the history.
func (f *FirestoreProvider) Publish(ctx context.Context, serial string, values []types.ChannelValue) error {
	m := types.ValueMap(values)
	if err := f.updateStatus(ctx, serial, func(st *types.InverterStatus) {
		st.Values = m
	}); err != nil {
		return err
	}
	return f.insertRecord(ctx, types.Record{
		Timestamp: f.now(),
		Serial:    serial,
		Kind:      types.RecordValues,
		Values:    m,
	})
}

// MarkOnline records a successful poll. Only transitions are added to the
// history.
func (f *FirestoreProvider) MarkOnline(ctx context.Context, serial string) error {
	var changed bool
	if err := f.updateStatus(ctx, serial, func(st *types.InverterStatus) {
		changed = !st.Online
		st.Online = true
		st.Reason = ""
		st.NeedsCredentials = false
	}); err != nil {
		return err
	}
	if !changed {
		return nil
	}
	return f.insertRecord(ctx, types.Record{
		Timestamp: f.now(),
		Serial:    serial,
		Kind:      types.RecordOnline,
	})
}

// MarkOffline records a failed poll.
func (f *FirestoreProvider) MarkOffline(ctx context.Context, serial string, reason string) error {
	if err := f.updateStatus(ctx, serial, func(st *types.InverterStatus) {
		st.Online = false
		st.Reason = reason
	}); err != nil {
		return err
	}
	return f.insertRecord(ctx, types.Record{
		Timestamp: f.now(),
		Serial:    serial,
		Kind:      types.RecordOffline,
		Reason:    reason,
	})
}

// RequestReauthentication flags that the account needs new credentials.
func (f *FirestoreProvider) RequestReauthentication(ctx context.Context, serial string) error {
	if err := f.updateStatus(ctx, serial, func(st *types.InverterStatus) {
		st.NeedsCredentials = true
	}); err != nil {
		return err
	}
	return f.insertRecord(ctx, types.Record{
		Timestamp: f.now(),
		Serial:    serial,
		Kind:      types.RecordReauth,
	})
}

// GetStatus returns the stored status of an inverter.
func (f *FirestoreProvider) GetStatus(ctx context.Context, serial string) (types.InverterStatus, error) {
	ref, err := f.inverterDoc(serial)
	if err != nil {
		return types.InverterStatus{}, err
	}
	doc, err := ref.Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.InverterStatus{}, ErrInverterNotFound
		}
		return types.InverterStatus{}, fmt.Errorf("failed to fetch inverter doc: %w", err)
	}
	return decodeStatus(ctx, doc)
}

// GetHistory retrieves records within the specified time range.
// Uses document ID range queries for efficient filtering without reading all documents.
func (f *FirestoreProvider) GetHistory(ctx context.Context, serial string, start, end time.Time) ([]types.Record, error) {
	ref, err := f.inverterDoc(serial)
	if err != nil {
		return nil, err
	}
	coll := ref.Collection("history")
	startDocID := start.UTC().Format(historyIDFormat)
	endDocID := end.UTC().Format(historyIDFormat)

	iter := coll.
		Where(firestore.DocumentID, ">=", coll.Doc(startDocID)).
		Where(firestore.DocumentID, "<", coll.Doc(endDocID)).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var records []types.Record
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating history: %w", err)
		}

		val, err := doc.DataAt("json")
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "history doc missing json", slog.String("docID", doc.Ref.ID), slog.String("serial", serial), slog.Any("err", err))
			return nil, fmt.Errorf("history document %s missing 'json' field: %w", doc.Ref.ID, err)
		}

		jsonStr, ok := val.(string)
		if !ok {
			log.Ctx(ctx).WarnContext(ctx, "history doc json not string", slog.String("docID", doc.Ref.ID), slog.String("serial", serial))
			return nil, fmt.Errorf("history document %s 'json' field is not string", doc.Ref.ID)
		}

		var r types.Record
		if err := json.Unmarshal([]byte(jsonStr), &r); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal record", slog.String("docID", doc.Ref.ID), slog.String("serial", serial), slog.Any("err", err))
			return nil, fmt.Errorf("failed to unmarshal record (id=%s): %w", doc.Ref.ID, err)
		}
		records = append(records, r)
	}
	return records, nil
}
