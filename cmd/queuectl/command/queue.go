package command

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/imrishuroy/go-production-queue/internal/handlers"
	"github.com/imrishuroy/go-production-queue/internal/queue"
	"github.com/imrishuroy/go-production-queue/internal/validation"
)

// Opener connects to the configured queue and returns a func that releases it.
type Opener func(ctx context.Context) (handlers.QueueService, func() error, error)

// QueueCommands builds one subcommand per queue operation.
type QueueCommands struct {
	Logger logrus.FieldLogger
	Open   Opener
}

func (cmd QueueCommands) Commands(ctx context.Context) []*cobra.Command {
	v := validation.New()

	list := &cobra.Command{
		Use:   "list",
		Short: "list queue entries by position",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			active, _ := c.Flags().GetBool("active")
			return cmd.run(ctx, c, func(svc handlers.QueueService) (interface{}, error) {
				if active {
					return svc.GetActiveQueue(ctx)
				}
				return svc.GetQueue(ctx)
			})
		},
	}
	list.Flags().Bool("active", false, "only queued and in-progress entries")

	get := cmd.orderCommand(ctx, v, "get", "show one queue entry", func(svc handlers.QueueService, id string) (interface{}, error) {
		return svc.GetByOrderID(ctx, id)
	})

	position := cmd.orderCommand(ctx, v, "position", "show the queue position of an order", func(svc handlers.QueueService, id string) (interface{}, error) {
		pos, err := svc.GetPosition(ctx, id)
		if err != nil {
			return nil, err
		}
		if pos == -1 {
			return nil, fmt.Errorf("%w: order %s", queue.ErrNotFound, id)
		}
		return map[string]interface{}{"order_id": id, "position": pos}, nil
	})

	add := &cobra.Command{
		Use:   "add ORDER_ID",
		Short: "add an order to the end of the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			customer, _ := c.Flags().GetString("customer")
			specs, _ := c.Flags().GetStringArray("item")

			req := validation.AddToQueueRequest{CustomerName: customer}
			for _, s := range specs {
				it, err := parseItem(s)
				if err != nil {
					return err
				}
				req.Items = append(req.Items, it)
			}
			if err := checkOrderID(v, args[0]); err != nil {
				return err
			}
			if err := v.Struct(req); err != nil {
				return fmt.Errorf("invalid request: %w", err)
			}
			return cmd.run(ctx, c, func(svc handlers.QueueService) (interface{}, error) {
				return svc.AddToQueue(ctx, args[0], req.CustomerName, req.QueueItems())
			})
		},
	}
	add.Flags().String("customer", "", "customer name")
	add.Flags().StringArray("item", nil, "order line as PRODUCT_ID:NAME:QUANTITY:UNIT_PRICE (repeatable)")

	status := &cobra.Command{
		Use:   "status ORDER_ID STATUS",
		Short: "set the production status of an order",
		Args:  cobra.ExactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			if err := checkOrderID(v, args[0]); err != nil {
				return err
			}
			st, err := queue.ParseStatus(args[1])
			if err != nil {
				return err
			}
			var notes *string
			if c.Flags().Changed("notes") {
				n, _ := c.Flags().GetString("notes")
				notes = &n
			}
			return cmd.run(ctx, c, func(svc handlers.QueueService) (interface{}, error) {
				return svc.UpdateStatus(ctx, args[0], st, notes)
			})
		},
	}
	status.Flags().String("notes", "", "notes to store with the status; omitted clears them")

	move := &cobra.Command{
		Use:   "move ORDER_ID POSITION",
		Short: "overwrite the queue position of an order",
		Args:  cobra.ExactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			if err := checkOrderID(v, args[0]); err != nil {
				return err
			}
			pos, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("position must be an integer: %q", args[1])
			}
			return cmd.run(ctx, c, func(svc handlers.QueueService) (interface{}, error) {
				return svc.MoveQueueItem(ctx, args[0], pos)
			})
		},
	}

	remove := cmd.orderCommand(ctx, v, "remove", "delete an order from the queue", func(svc handlers.QueueService, id string) (interface{}, error) {
		removed, err := svc.RemoveFromQueue(ctx, id)
		if err != nil {
			return nil, err
		}
		if !removed {
			return nil, fmt.Errorf("%w: order %s", queue.ErrNotFound, id)
		}
		return map[string]interface{}{"order_id": id, "removed": true}, nil
	})

	return []*cobra.Command{
		list, get, position, add, status, move,
		cmd.orderCommand(ctx, v, "start", "mark an order in progress", func(svc handlers.QueueService, id string) (interface{}, error) {
			return svc.StartProduction(ctx, id)
		}),
		cmd.orderCommand(ctx, v, "complete", "mark an order completed", func(svc handlers.QueueService, id string) (interface{}, error) {
			return svc.CompleteProduction(ctx, id)
		}),
		cmd.orderCommand(ctx, v, "cancel", "cancel production of an order", func(svc handlers.QueueService, id string) (interface{}, error) {
			return svc.CancelProduction(ctx, id)
		}),
		remove,
	}
}

func (cmd QueueCommands) orderCommand(
	ctx context.Context,
	v *validatorv10.Validate,
	use, short string,
	fn func(svc handlers.QueueService, orderID string) (interface{}, error),
) *cobra.Command {
	return &cobra.Command{
		Use:   use + " ORDER_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			if err := checkOrderID(v, args[0]); err != nil {
				return err
			}
			return cmd.run(ctx, c, func(svc handlers.QueueService) (interface{}, error) {
				return fn(svc, args[0])
			})
		},
	}
}

// run opens the queue, calls fn and prints its result as JSON.
func (cmd QueueCommands) run(ctx context.Context, c *cobra.Command, fn func(svc handlers.QueueService) (interface{}, error)) error {
	svc, closeFn, err := cmd.Open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeFn(); err != nil {
			cmd.Logger.WithError(err).Warn("failed to close queue services")
		}
	}()

	out, err := fn(svc)
	if err != nil {
		return err
	}
	return printJSON(c.OutOrStdout(), out)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func checkOrderID(v *validatorv10.Validate, orderID string) error {
	if err := v.Var(orderID, "required,uuid"); err != nil {
		return fmt.Errorf("order id must be a UUID: %q", orderID)
	}
	return nil
}

// parseItem reads PRODUCT_ID:NAME:QUANTITY:UNIT_PRICE. NAME may contain colons.
func parseItem(s string) (validation.Item, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 4 {
		return validation.Item{}, fmt.Errorf("item %q: want PRODUCT_ID:NAME:QUANTITY:UNIT_PRICE", s)
	}
	n := len(parts)
	qty, err := strconv.Atoi(parts[n-2])
	if err != nil {
		return validation.Item{}, fmt.Errorf("item %q: bad quantity: %w", s, err)
	}
	price, err := strconv.ParseFloat(parts[n-1], 64)
	if err != nil {
		return validation.Item{}, fmt.Errorf("item %q: bad unit price: %w", s, err)
	}
	return validation.Item{
		ProductID: parts[0],
		Name:      strings.Join(parts[1:n-2], ":"),
		Quantity:  qty,
		UnitPrice: price,
	}, nil
}
