package logging

import (
	"encoding/json"
	"log"
	"time"
)

// Fields is one structured log record. Zero values are omitted.
type Fields struct {
	Service    string `json:"service"`
	CustomerID int64  `json:"customer_id,omitempty"`
	OrderID    string `json:"order_id,omitempty"`
	ProductID  int64  `json:"product_id,omitempty"`
	Step       string `json:"step,omitempty"`
	Status     string `json:"status,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	Message    string `json:"message,omitempty"`
	Error      string `json:"error,omitempty"`
}

type record struct {
	Fields
	Timestamp string `json:"timestamp"`
}

func Log(fields Fields) {
	data, err := json.Marshal(record{Fields: fields, Timestamp: time.Now().UTC().Format(time.RFC3339Nano)})
	if err != nil {
		log.Printf("{\"service\":%q,\"status\":\"log_error\",\"error\":%q}", fields.Service, err.Error())
		return
	}
	log.Print(string(data))
}
