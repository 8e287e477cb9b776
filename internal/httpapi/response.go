package httpapi

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/bookstore/services/circulation/internal/lending"
)

func success(c *fiber.Ctx, code int, message string, data interface{}) error {
	return c.Status(code).JSON(fiber.Map{
		"code":    code,
		"status":  "success",
		"message": message,
		"data":    data,
	})
}

func failure(c *fiber.Ctx, code int, reason, message string) error {
	return c.Status(code).JSON(fiber.Map{
		"code":    code,
		"status":  "error",
		"error":   reason,
		"message": message,
	})
}

func validationFailure(c *fiber.Ctx, err error) error {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return failure(c, fiber.StatusBadRequest, "invalid_argument", err.Error())
	}

	fields := make(map[string]string, len(ve))
	for _, fe := range ve {
		fields[fe.Field()] = fe.Tag()
	}
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"code":    fiber.StatusBadRequest,
		"status":  "error",
		"error":   "invalid_argument",
		"message": "validation failed",
		"errors":  fields,
	})
}

// statusFor maps lifecycle errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, lending.ErrLoanNotFound), errors.Is(err, lending.ErrBookNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, lending.ErrNoCopiesAvailable),
		errors.Is(err, lending.ErrDuplicateReservation),
		errors.Is(err, lending.ErrCooldownActive),
		errors.Is(err, lending.ErrInvalidState),
		errors.Is(err, lending.ErrAlreadyExpired),
		errors.Is(err, lending.ErrCapacityBelowOpenLoans):
		return fiber.StatusConflict
	case errors.Is(err, lending.ErrPolicyViolation),
		errors.Is(err, lending.ErrInvalidArgument),
		errors.Is(err, lending.ErrInvalidCapacity):
		return fiber.StatusBadRequest
	default:
		return fiber.StatusInternalServerError
	}
}
