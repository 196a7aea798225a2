package events

import (
	"bytes"
	"context"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("producer", Ordered, func() {
	Context("write", func() {
		It("delivers buffered events to the writer", func() {
			w := newTestWriter()
			ep := NewEventProducer(w)

			err := ep.Write(context.TODO(), JobMessageKind, bytes.NewReader([]byte(`{"jobId":"1"}`)))
			Expect(err).To(BeNil())
			err = ep.Write(context.TODO(), JobMessageKind, bytes.NewReader([]byte(`{"jobId":"2"}`)))
			Expect(err).To(BeNil())

			Eventually(w.count, "2s", "10ms").Should(Equal(2))
			Expect(w.Messages[0].Context.GetType()).To(Equal(JobMessageKind))
			Expect(w.Messages[0].Context.GetSource()).To(Equal(eventSource))
			Expect(w.Messages[0].Data()).To(Equal([]byte(`{"jobId":"1"}`)))

			Expect(ep.Close()).To(BeNil())
		})

		It("honors a custom output topic", func() {
			w := newTestWriter()
			ep := NewEventProducer(w, WithOutputTopic("ops.migrations"))

			err := ep.Write(context.TODO(), JobMessageKind, bytes.NewReader([]byte("msg")))
			Expect(err).To(BeNil())

			Eventually(w.count, "2s", "10ms").Should(Equal(1))
			Expect(w.Topics[0]).To(Equal("ops.migrations"))

			Expect(ep.Close()).To(BeNil())
		})
	})
})

type testwriter struct {
	lock     chan struct{}
	Messages []cloudevents.Event
	Topics   []string
}

func newTestWriter() *testwriter {
	return &testwriter{lock: make(chan struct{}, 1)}
}

func (t *testwriter) Write(ctx context.Context, topic string, e cloudevents.Event) error {
	t.lock <- struct{}{}
	defer func() { <-t.lock }()
	t.Messages = append(t.Messages, e)
	t.Topics = append(t.Topics, topic)
	return nil
}

func (t *testwriter) Close(_ context.Context) error {
	return nil
}

func (t *testwriter) count() int {
	t.lock <- struct{}{}
	defer func() { <-t.lock }()
	return len(t.Messages)
}

var _ = Describe("stdout writer", func() {
	It("renders the event without error", func() {
		w := &StdoutWriter{}
		e := cloudevents.NewEvent()
		e.SetType(JobMessageKind)
		e.SetSource(eventSource)
		Expect(e.SetData(cloudevents.ApplicationJSON, map[string]string{"status": "completed"})).To(BeNil())

		Expect(w.Write(context.TODO(), defaultTopic, e)).To(BeNil())
		Expect(w.Close(context.TODO())).To(BeNil())
	})
})
