package events

import (
	"encoding/json"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// Темы событий движка. Внешние потребители (аналитика, инвалидация
// кешей списков) читают их как фид и не влияют на поведение движка.
const (
	SubjectAssetCreated  = "assets.created"
	SubjectAssetDeleted  = "assets.deleted"
	SubjectAccessGranted = "access.granted"
)

// Publisher публикует события движка в NATS. Публикация всегда
// fire-and-forget: ошибка логируется и не влияет на исход операции.
type Publisher struct {
	nc *nats.Conn
}

// Connect подключается к NATS с бесконечными реконнектами.
func Connect(url string) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("audiodrive"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("[NATS] disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[NATS] reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, err
	}

	log.Println("[NATS] connected to", url)
	return &Publisher{nc: nc}, nil
}

// Disabled возвращает паблишер-заглушку для работы без NATS.
func Disabled() *Publisher {
	return &Publisher{}
}

func (p *Publisher) Publish(subject string, payload interface{}) {
	if p == nil || p.nc == nil || !p.nc.IsConnected() {
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[NATS] failed to marshal event %s: %v", subject, err)
		return
	}

	if err := p.nc.Publish(subject, data); err != nil {
		log.Printf("[NATS] failed to publish %s: %v", subject, err)
	}
}

func (p *Publisher) Close() {
	if p != nil && p.nc != nil && p.nc.IsConnected() {
		p.nc.Close()
	}
}
