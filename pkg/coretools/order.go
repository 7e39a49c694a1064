package coretools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/prontohq/pronto/pkg/tools"
)

// Order is one placed order, appended as a JSON line to the order file.
type Order struct {
	OrderTimestamp  string   `json:"order_timestamp"`
	PizzaType       string   `json:"pizza_type"`
	Size            string   `json:"size"`
	Quantity        int      `json:"quantity"`
	CrustType       string   `json:"crust_type"`
	ExtraToppings   []string `json:"extra_toppings"`
	DeliveryAddress string   `json:"delivery_address"`
	CustomerName    string   `json:"customer_name,omitempty"`
	PhoneNumber     string   `json:"phone_number,omitempty"`
	Status          string   `json:"status"`
}

var orderFileMu sync.Mutex

func placeOrderTool(opts Options) tools.Definition {
	return tools.Definition{
		Name: "place_order",
		Description: "Places a pizza order with the specified details and saves it. Use this tool ONLY " +
			"when the user explicitly confirms they want to place an order and has provided AT LEAST the " +
			"pizza type, size, quantity, and delivery address. Ask clarifying questions first if details " +
			"are missing. Do not invent details.",
		Parameters: []tools.Parameter{
			{Name: "pizza_type", Type: "string", Description: "The type of pizza (e.g., 'Pepperoni', 'Margherita', 'Vegan Supreme').", Required: true},
			{Name: "size", Type: "string", Description: "The size of the pizza (e.g., 'Large', 'Medium', 'Small').", Required: true},
			{Name: "quantity", Type: "integer", Description: "The number of pizzas.", Required: true},
			{Name: "delivery_address", Type: "string", Description: "The full delivery address.", Required: true},
			{Name: "customer_name", Type: "string", Description: "Customer's name (optional). Omit if not provided.", Required: false},
			{Name: "phone_number", Type: "string", Description: "Customer's phone number (optional). Omit if not provided.", Required: false},
			{Name: "crust_type", Type: "string", Description: "Desired crust type (e.g., 'Thin', 'Regular', 'Stuffed'). Defaults to 'Regular'.", Required: false, Default: "Regular"},
			{Name: "extra_toppings", Type: "array", Items: "string", Description: "List of extra toppings (optional).", Required: false},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			quantity, err := coerceQuantity(args["quantity"])
			if err != nil {
				return nil, err
			}

			order := Order{
				OrderTimestamp:  time.Now().Format(time.RFC3339),
				PizzaType:       stringArg(args, "pizza_type"),
				Size:            stringArg(args, "size"),
				Quantity:        quantity,
				CrustType:       stringArg(args, "crust_type"),
				ExtraToppings:   stringSliceArg(args, "extra_toppings"),
				DeliveryAddress: stringArg(args, "delivery_address"),
				CustomerName:    stringArg(args, "customer_name"),
				PhoneNumber:     stringArg(args, "phone_number"),
				Status:          "Received",
			}
			if order.CrustType == "" {
				order.CrustType = "Regular"
			}
			if order.ExtraToppings == nil {
				order.ExtraToppings = []string{}
			}

			if order.PizzaType == "" || order.Size == "" || order.DeliveryAddress == "" {
				return nil, fmt.Errorf("missing required order details: pizza_type, size, and delivery_address are mandatory")
			}

			if err := appendOrder(opts.OrderFilePath, order); err != nil {
				return nil, fmt.Errorf("failed to save the order: %w", err)
			}

			confirmation := fmt.Sprintf("OK. Your order for %d x %s %s pizza(s)", quantity, order.Size, order.PizzaType)
			if order.CrustType != "Regular" {
				confirmation += " with " + order.CrustType + " crust"
			}
			if len(order.ExtraToppings) > 0 {
				confirmation += " and extra toppings"
			}
			confirmation += fmt.Sprintf(" to be delivered to '%s' has been received.", order.DeliveryAddress)

			return map[string]interface{}{
				"status":       "Order Placed Successfully",
				"confirmation": confirmation,
			}, nil
		},
	}
}

// coerceQuantity accepts the number, string, and integer shapes models
// actually send for a quantity field and rejects anything non-positive.
func coerceQuantity(raw interface{}) (int, error) {
	var quantity int
	switch v := raw.(type) {
	case float64:
		quantity = int(v)
		if v != float64(quantity) {
			return 0, fmt.Errorf("invalid quantity %v: quantity must be a whole number", v)
		}
	case int:
		quantity = v
	case string:
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid quantity %q: quantity must be a positive whole number", v)
		}
		quantity = parsed
	default:
		return 0, fmt.Errorf("invalid quantity %v: quantity must be a positive whole number", raw)
	}

	if quantity <= 0 {
		return 0, fmt.Errorf("invalid quantity %d: quantity must be positive", quantity)
	}
	return quantity, nil
}

func appendOrder(path string, order Order) error {
	orderFileMu.Lock()
	defer orderFileMu.Unlock()

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	line, err := json.Marshal(order)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

func stringArg(args map[string]interface{}, key string) string {
	s, _ := args[key].(string)
	return s
}

func stringSliceArg(args map[string]interface{}, key string) []string {
	raw, ok := args[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
