package validation

import "github.com/imrishuroy/go-production-queue/internal/queue"

// Item represents a single order line snapshotted into the queue.
type Item struct {
	ProductID string  `json:"product_id" validate:"required"`
	Name      string  `json:"name" validate:"required,max=200"`
	Quantity  int     `json:"quantity" validate:"required,min=1"` // must be >= 1
	UnitPrice float64 `json:"unit_price" validate:"gte=0"`
}

// AddToQueueRequest is the payload for POST /order/:orderId/add
type AddToQueueRequest struct {
	CustomerName string `json:"customer_name" validate:"required,max=100"`
	Items        []Item `json:"items" validate:"required,min=1,dive"` // at least one item
}

// QueueItems converts the request lines to queue items.
func (r AddToQueueRequest) QueueItems() []queue.Item {
	out := make([]queue.Item, 0, len(r.Items))
	for _, it := range r.Items {
		out = append(out, queue.Item{
			ProductID: it.ProductID,
			Name:      it.Name,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
		})
	}
	return out
}

// UpdateStatusRequest is the payload for PUT /order/:orderId/status.
// A missing notes field clears the stored notes.
type UpdateStatusRequest struct {
	Status string  `json:"status" validate:"required,queue_status"`
	Notes  *string `json:"notes,omitempty" validate:"omitempty,max=500"`
}
