// Package httpapi exposes the lending engine over HTTP with Fiber.
package httpapi

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/bookstore/services/circulation/internal/db"
	"github.com/bookstore/services/circulation/internal/fine"
	"github.com/bookstore/services/circulation/internal/lending"
	"github.com/bookstore/services/circulation/internal/loanstate"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Handler serves the circulation API
type Handler struct {
	engine   *lending.Engine
	validate *validator.Validate
	log      *zap.Logger
}

// NewHandler creates a handler over engine
func NewHandler(engine *lending.Engine, log *zap.Logger) *Handler {
	return &Handler{
		engine:   engine,
		validate: validator.New(),
		log:      log,
	}
}

// Reserve handles POST /api/loans/reserve
func (h *Handler) Reserve(c *fiber.Ctx) error {
	var req LoanRequest
	if err := h.parse(c, &req); err != nil {
		return validationFailure(c, err)
	}

	loan, err := h.engine.Reserve(c.UserContext(), req.BookID, req.UserID)
	if err != nil {
		return h.fail(c, "reserve", err)
	}
	return success(c, fiber.StatusCreated, "reservation created", toLoanResponse(loan))
}

// Assign handles POST /api/loans/assign
func (h *Handler) Assign(c *fiber.Ctx) error {
	var req LoanRequest
	if err := h.parse(c, &req); err != nil {
		return validationFailure(c, err)
	}

	loan, err := h.engine.Assign(c.UserContext(), req.BookID, req.UserID)
	if err != nil {
		return h.fail(c, "assign", err)
	}
	return success(c, fiber.StatusCreated, "loan assigned", toLoanResponse(loan))
}

// ConfirmPickup handles POST /api/loans/:id/pickup
func (h *Handler) ConfirmPickup(c *fiber.Ctx) error {
	return h.transition(c, "pickup", "loan picked up", h.engine.ConfirmPickup)
}

// Cancel handles POST /api/loans/:id/cancel
func (h *Handler) Cancel(c *fiber.Ctx) error {
	return h.transition(c, "cancel", "reservation cancelled", h.engine.Cancel)
}

// Return handles POST /api/loans/:id/return
func (h *Handler) Return(c *fiber.Ctx) error {
	return h.transition(c, "return", "loan returned", h.engine.Return)
}

func (h *Handler) transition(
	c *fiber.Ctx,
	operation, message string,
	apply func(ctx context.Context, loanID string) (*db.Loan, error),
) error {
	loan, err := apply(c.UserContext(), c.Params("id"))
	if err != nil {
		return h.fail(c, operation, err)
	}
	return success(c, fiber.StatusOK, message, toLoanResponse(loan))
}

// GetLoan handles GET /api/loans/:id
func (h *Handler) GetLoan(c *fiber.Ctx) error {
	loan, err := h.engine.GetLoan(c.UserContext(), c.Params("id"))
	if err != nil {
		return h.fail(c, "get loan", err)
	}
	return success(c, fiber.StatusOK, "loan", toLoanResponse(loan))
}

// EstimateFine handles GET /api/loans/:id/fine-estimate?as_of=RFC3339
func (h *Handler) EstimateFine(c *fiber.Ctx) error {
	var asOf time.Time
	if raw := strings.TrimSpace(c.Query("as_of")); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return failure(c, fiber.StatusBadRequest, "invalid_argument", "as_of must be an RFC3339 timestamp")
		}
		asOf = parsed.UTC()
	}

	amount, err := h.engine.EstimateFine(c.UserContext(), c.Params("id"), asOf)
	if err != nil {
		return h.fail(c, "estimate fine", err)
	}
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}

	return success(c, fiber.StatusOK, "fine estimate", FineEstimateResponse{
		LoanID: c.Params("id"),
		AsOf:   asOf,
		Amount: amount.StringFixed(fine.Places),
	})
}

// ListLoans handles GET /api/loans
func (h *Handler) ListLoans(c *fiber.Ctx) error {
	filter := lending.LoanFilter{
		UserID: strings.TrimSpace(c.Query("user_id")),
		BookID: strings.TrimSpace(c.Query("book_id")),
	}

	if raw := strings.TrimSpace(c.Query("status")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			status, err := loanstate.Parse(strings.TrimSpace(part))
			if err != nil {
				return failure(c, fiber.StatusBadRequest, "invalid_argument", err.Error())
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}

	filter.Page, filter.PageSize = resolvePaging(c)

	loans, total, err := h.engine.ListLoans(c.UserContext(), filter)
	if err != nil {
		return h.fail(c, "list loans", err)
	}

	items := make([]LoanResponse, 0, len(loans))
	for _, loan := range loans {
		items = append(items, toLoanResponse(loan))
	}

	return success(c, fiber.StatusOK, "loans", fiber.Map{
		"items":      items,
		"pagination": buildPagination(total, filter.Page, filter.PageSize),
	})
}

// resolvePaging reads ?page= and ?page_size=, falling back to defaults
func resolvePaging(c *fiber.Ctx) (int, int) {
	page, _ := strconv.Atoi(strings.TrimSpace(c.Query("page", "1")))
	if page < 1 {
		page = 1
	}

	pageSize, _ := strconv.Atoi(strings.TrimSpace(c.Query("page_size", strconv.Itoa(defaultPageSize))))
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return page, pageSize
}

// GetPolicy handles GET /api/settings
func (h *Handler) GetPolicy(c *fiber.Ctx) error {
	policy, err := h.engine.Policy(c.UserContext())
	if err != nil {
		return h.fail(c, "get policy", err)
	}
	return success(c, fiber.StatusOK, "policy", toPolicyResponse(policy))
}

// UpdatePolicy handles PUT /api/settings
func (h *Handler) UpdatePolicy(c *fiber.Ctx) error {
	var req PolicyRequest
	if err := h.parse(c, &req); err != nil {
		return validationFailure(c, err)
	}

	policy, err := h.engine.UpdatePolicy(c.UserContext(), req.policy())
	if err != nil {
		return h.fail(c, "update policy", err)
	}
	return success(c, fiber.StatusOK, "policy updated", toPolicyResponse(policy))
}

// GetAvailability handles GET /api/books/:id/availability
func (h *Handler) GetAvailability(c *fiber.Ctx) error {
	book, err := h.engine.Availability(c.UserContext(), c.Params("id"))
	if err != nil {
		return h.fail(c, "get availability", err)
	}
	return success(c, fiber.StatusOK, "availability", toAvailabilityResponse(book))
}

// SetAvailability handles PUT /api/books/:id/availability
func (h *Handler) SetAvailability(c *fiber.Ctx) error {
	var req CapacityRequest
	if err := h.parse(c, &req); err != nil {
		return validationFailure(c, err)
	}

	book, err := h.engine.SetTotalCopies(c.UserContext(), c.Params("id"), *req.TotalCopies)
	if err != nil {
		return h.fail(c, "set availability", err)
	}
	return success(c, fiber.StatusOK, "availability updated", toAvailabilityResponse(book))
}

func (h *Handler) parse(c *fiber.Ctx, out interface{}) error {
	if err := c.BodyParser(out); err != nil {
		return err
	}
	return h.validate.Struct(out)
}

func (h *Handler) fail(c *fiber.Ctx, operation string, err error) error {
	status := statusFor(err)
	if status >= fiber.StatusInternalServerError {
		h.log.Error("Request failed",
			zap.String("operation", operation),
			zap.String("path", c.Path()),
			zap.Error(err),
		)
		return failure(c, status, lending.Code(err), "internal error")
	}
	return failure(c, status, lending.Code(err), err.Error())
}
