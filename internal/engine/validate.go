package engine

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"solana-settlement/internal/domain"
	"solana-settlement/internal/solana"
)

// newValidator returns a validator that understands the solana_address tag and reports
// fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("solana_address", func(fl validator.FieldLevel) bool {
		return solana.IsValidAddress(fl.Field().String())
	})
	return v
}

// validateConfig checks the session config and reports every problem at once.
func (e *Engine) validateConfig(cfg domain.SessionConfig) error {
	var reasons []string

	err := e.validate.Struct(cfg)
	var fieldErrs validator.ValidationErrors
	switch {
	case errors.As(err, &fieldErrs):
		for _, fe := range fieldErrs {
			reasons = append(reasons, describe(fe))
		}
	case err != nil:
		return fmt.Errorf("validate config: %w", err)
	}

	if cfg.UserWallet != "" && solana.IsValidAddress(cfg.UserWallet) && !solana.IsOnCurve(cfg.UserWallet) {
		reasons = append(reasons, "user_wallet is not a wallet address")
	}
	if cfg.Makers > 0 && cfg.SolBudget > 0 && cfg.PerWalletBudget() < e.minWalletBudget {
		reasons = append(reasons, fmt.Sprintf("per-wallet budget %s SOL is below the minimum %s SOL",
			domain.LamportsToSOL(cfg.PerWalletBudget()), domain.LamportsToSOL(e.minWalletBudget)))
	}
	if e.requirePayment && cfg.PaymentSignature == "" {
		reasons = append(reasons, "payment_signature is required")
	}

	if len(reasons) > 0 {
		return &domain.ValidationError{Reasons: reasons}
	}
	return nil
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "solana_address":
		return fmt.Sprintf("%s %q is not a base58 address", fe.Field(), fe.Value())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param())
	case "min", "gte":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
	}
}
