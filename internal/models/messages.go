package models

import "encoding/json"

// MessageTypeStockVerification is the only message type the verification
// worker acts on; anything else is acknowledged and dropped with a warning.
const MessageTypeStockVerification = "STOCK_VERIFICATION"

// QueueItem is one line item inside a stock verification message.
type QueueItem struct {
	ProductID  string `json:"productId"`
	Quantity   int    `json:"quantity"`
	IsQueuable bool   `json:"isQueuable"`
}

// QueuePayload is the data section of a QueueMessage.
type QueuePayload struct {
	OrderID             string      `json:"orderId"`
	HasQueuableProducts bool        `json:"hasQueuableProducts"`
	Items               []QueueItem `json:"items"`
}

// QueueMessage is the wire envelope produced once per order by admission and
// consumed exactly once by whichever queue it lands in. Manual validation may
// re-publish it from queuable_orders to orders_queue; that is a re-ownership,
// not a duplicate.
type QueueMessage struct {
	Type string       `json:"type"`
	Data QueuePayload `json:"data"`
}

// NewStockVerificationMessage builds the tracking envelope for an order.
func NewStockVerificationMessage(orderID string, hasQueuable bool, items []QueueItem) QueueMessage {
	return QueueMessage{
		Type: MessageTypeStockVerification,
		Data: QueuePayload{
			OrderID:             orderID,
			HasQueuableProducts: hasQueuable,
			Items:               items,
		},
	}
}

func (m *QueueMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func (m *QueueMessage) FromJSON(data []byte) error {
	return json.Unmarshal(data, m)
}
