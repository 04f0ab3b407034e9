package messaging

import (
	"context"
	"errors"
	"testing"

	"github.com/glassystudio/agendabot/internal/models"
	"github.com/glassystudio/agendabot/internal/store"
)

// fakeService records deliveries and can be told to fail.
type fakeService struct {
	texts     []sentText
	documents []sentDocument
	failSends bool
}

type sentText struct {
	to   string
	body string
}

type sentDocument struct {
	to       string
	caption  string
	media    []byte
	filename string
}

func (f *fakeService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", errors.New("empty recipient")
	}
	return recipient, nil
}

func (f *fakeService) SendMessage(ctx context.Context, to, body string) error {
	if f.failSends {
		return errors.New("gateway unavailable")
	}
	f.texts = append(f.texts, sentText{to: to, body: body})
	return nil
}

func (f *fakeService) SendDocument(ctx context.Context, to, caption string, media []byte, filename string) error {
	if f.failSends {
		return errors.New("gateway unavailable")
	}
	f.documents = append(f.documents, sentDocument{to: to, caption: caption, media: media, filename: filename})
	return nil
}

func (f *fakeService) Start(ctx context.Context) error        { return nil }
func (f *fakeService) Stop() error                            { return nil }
func (f *fakeService) Messages() <-chan models.WebhookRequest { return nil }

func TestDispatchOnceDeliversAndDeletes(t *testing.T) {
	st := store.NewInMemoryStore()
	defer st.Close()
	svc := &fakeService{}
	d := NewDispatcher(st, svc)

	if _, err := st.EnqueueJob("5511999998888@s.whatsapp.net", "Olá!", nil, ""); err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}

	d.dispatchOnce(context.Background())

	if len(svc.texts) != 1 {
		t.Fatalf("expected 1 delivered text, got %d", len(svc.texts))
	}
	if svc.texts[0].body != "Olá!" {
		t.Errorf("delivered body = %q, want %q", svc.texts[0].body, "Olá!")
	}
	if n := st.JobCount(); n != 0 {
		t.Errorf("queue should be empty after delivery, has %d jobs", n)
	}
}

func TestDispatchOnceRoutesMediaToDocumentSend(t *testing.T) {
	st := store.NewInMemoryStore()
	defer st.Close()
	svc := &fakeService{}
	d := NewDispatcher(st, svc)

	media := []byte("%PDF-1.4 fake")
	if _, err := st.EnqueueJob("5511999998888@s.whatsapp.net", "Segue nosso portfólio!", media, "portfolio.pdf"); err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}

	d.dispatchOnce(context.Background())

	if len(svc.texts) != 0 {
		t.Fatalf("media job must not go through text send, got %d texts", len(svc.texts))
	}
	if len(svc.documents) != 1 {
		t.Fatalf("expected 1 delivered document, got %d", len(svc.documents))
	}
	doc := svc.documents[0]
	if doc.filename != "portfolio.pdf" {
		t.Errorf("delivered filename = %q, want %q", doc.filename, "portfolio.pdf")
	}
	if doc.caption != "Segue nosso portfólio!" {
		t.Errorf("delivered caption = %q", doc.caption)
	}
}

func TestDispatchOnceFailureRequeuesWithAttempt(t *testing.T) {
	st := store.NewInMemoryStore()
	defer st.Close()
	svc := &fakeService{failSends: true}
	d := NewDispatcher(st, svc)

	if _, err := st.EnqueueJob("5511999998888@s.whatsapp.net", "Olá!", nil, ""); err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}

	d.dispatchOnce(context.Background())

	if n := st.JobCount(); n != 1 {
		t.Fatalf("failed job must stay queued, have %d jobs", n)
	}
	job, err := st.ClaimNextJob()
	if err != nil {
		t.Fatalf("ClaimNextJob failed: %v", err)
	}
	if job == nil {
		t.Fatal("failed job should be claimable again")
	}
	if job.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", job.Attempts)
	}
}

func TestDispatchOnceParksJobAtAttemptCap(t *testing.T) {
	st := store.NewInMemoryStore()
	defer st.Close()
	svc := &fakeService{failSends: true}
	d := NewDispatcher(st, svc)

	if _, err := st.EnqueueJob("5511999998888@s.whatsapp.net", "Olá!", nil, ""); err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}

	for i := 0; i < models.MaxDeliveryAttempts; i++ {
		d.dispatchOnce(context.Background())
	}

	job, err := st.ClaimNextJob()
	if err != nil {
		t.Fatalf("ClaimNextJob failed: %v", err)
	}
	if job != nil {
		t.Fatalf("job with %d attempts must not be claimable, got job %d with %d attempts",
			models.MaxDeliveryAttempts, job.ID, job.Attempts)
	}
	if n := st.JobCount(); n != 1 {
		t.Errorf("parked job should remain in the store, have %d jobs", n)
	}

	// Later successful cycles must not resurrect the parked job.
	svc.failSends = false
	d.dispatchOnce(context.Background())
	if len(svc.texts) != 0 {
		t.Errorf("parked job was delivered anyway")
	}
}

func TestDispatchOnceEmptyQueueIsQuiet(t *testing.T) {
	st := store.NewInMemoryStore()
	defer st.Close()
	svc := &fakeService{}
	d := NewDispatcher(st, svc)

	d.dispatchOnce(context.Background())

	if len(svc.texts) != 0 || len(svc.documents) != 0 {
		t.Error("nothing should be delivered from an empty queue")
	}
}
