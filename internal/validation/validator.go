package validation

import (
	validatorv10 "github.com/go-playground/validator/v10"

	"github.com/imrishuroy/go-production-queue/internal/queue"
)

// New returns a validator with the queue_status tag registered.
func New() *validatorv10.Validate {
	v := validatorv10.New()

	// queue_status accepts any queue status name, case-insensitively.
	_ = v.RegisterValidation("queue_status", func(fl validatorv10.FieldLevel) bool {
		_, err := queue.ParseStatus(fl.Field().String())
		return err == nil
	})

	v.RegisterStructValidation(addToQueueStructValidation, AddToQueueRequest{})

	return v
}

// addToQueueStructValidation rejects a request that lists the same product twice.
func addToQueueStructValidation(sl validatorv10.StructLevel) {
	req := sl.Current().Interface().(AddToQueueRequest)

	seen := make(map[string]bool, len(req.Items))
	for _, it := range req.Items {
		if it.ProductID == "" {
			continue
		}
		if seen[it.ProductID] {
			sl.ReportError(req.Items, "items", "Items", "unique_products", it.ProductID)
			return
		}
		seen[it.ProductID] = true
	}
}
