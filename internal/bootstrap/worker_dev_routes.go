package bootstrap

import (
	"time"

	"inbox_worker/core/domain"
	"inbox_worker/core/port/out"
	"inbox_worker/core/service/rule"
	"inbox_worker/pkg/apperr"
	"inbox_worker/pkg/logger"

	"github.com/gofiber/fiber/v2"
)

type devMessageRequest struct {
	EmailAccountID string                `json:"email_account_id"`
	Message        *domain.ParsedMessage `json:"message"`
	// Enqueue also publishes an email:received job for the message.
	Enqueue bool `json:"enqueue"`
}

type devRunRequest struct {
	EmailAccountID string `json:"email_account_id"`
	MessageID      string `json:"message_id"`
}

type devLearnRequest struct {
	EmailAccountID string `json:"email_account_id"`
	RuleID         string `json:"rule_id"`
	Sender         string `json:"sender"`
}

type devFixRequest struct {
	EmailAccountID   string `json:"email_account_id"`
	MessageID        string `json:"message_id"`
	ExpectedRuleName string `json:"expected_rule_name"`
}

// RegisterDevTestRoutes registers development-only routes for seeding
// messages and exercising the rule pipeline by hand.
// WARNING: Only enable in development environment!
func RegisterDevTestRoutes(app *fiber.App, deps *Dependencies) {
	dev := app.Group("/dev")
	cfg := deps.Config

	// Store a parsed message, optionally queueing it for the worker.
	dev.Post("/messages", func(c *fiber.Ctx) error {
		var req devMessageRequest
		if err := c.BodyParser(&req); err != nil {
			return apperr.ValidationFailed("invalid body")
		}
		if req.EmailAccountID == "" {
			return apperr.MissingField("email_account_id")
		}
		if req.Message == nil || req.Message.ID == "" {
			return apperr.MissingField("message.id")
		}
		if deps.MessageStore == nil {
			return apperr.ConfigError("no message store configured")
		}

		ctx := c.UserContext()
		if err := deps.MessageStore.SaveMessage(ctx, req.EmailAccountID, req.Message, cfg.MessageTTL); err != nil {
			return err
		}
		if err := deps.MessageCache.Invalidate(ctx, req.EmailAccountID, req.Message.ID); err != nil {
			logger.Warn("[DevTest] cache invalidate failed: %v", err)
		}

		queued := false
		if req.Enqueue {
			if deps.Producer == nil {
				return apperr.ConfigError("no stream producer configured")
			}
			job := &out.EmailReceivedJob{
				EmailAccountID: req.EmailAccountID,
				MessageID:      req.Message.ID,
				ThreadID:       req.Message.ThreadID,
				ReceivedAt:     time.Now().UTC(),
			}
			if err := deps.Producer.PublishEmailReceived(ctx, job); err != nil {
				return err
			}
			queued = true
		}

		logger.Info("[DevTest] stored message %s for %s (queued=%v)", req.Message.ID, req.EmailAccountID, queued)
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{"message_id": req.Message.ID, "queued": queued})
	})

	// Preview the decision for a stored message; nothing is recorded or executed.
	dev.Post("/rules/test", func(c *fiber.Ctx) error {
		var req devRunRequest
		if err := c.BodyParser(&req); err != nil {
			return apperr.ValidationFailed("invalid body")
		}
		if req.EmailAccountID == "" || req.MessageID == "" {
			return apperr.MissingField("email_account_id, message_id")
		}
		if deps.RunRulesService == nil {
			return apperr.ConfigError("rule runs disabled")
		}

		ctx := c.UserContext()
		account, err := deps.AccountRepo.GetByID(ctx, req.EmailAccountID)
		if err != nil {
			return err
		}

		result, err := deps.RunRulesService.RunRules(ctx, rule.RunRulesInput{
			EmailAccount: account,
			MessageID:    req.MessageID,
			IsTest:       true,
		})
		if err != nil {
			return err
		}

		return c.JSON(fiber.Map{
			"status":    result.Status,
			"selection": result.Selection,
			"actions":   result.Actions,
		})
	})

	dev.Get("/rules/executed", func(c *fiber.Ctx) error {
		accountID, messageID := c.Query("email_account_id"), c.Query("message_id")
		if accountID == "" || messageID == "" {
			return apperr.MissingField("email_account_id, message_id")
		}

		record, err := deps.ExecutedRepo.GetByMessage(c.UserContext(), accountID, messageID)
		if err != nil {
			return err
		}
		return c.JSON(record)
	})

	dev.Post("/rules/learn", func(c *fiber.Ctx) error {
		var req devLearnRequest
		if err := c.BodyParser(&req); err != nil {
			return apperr.ValidationFailed("invalid body")
		}
		if req.EmailAccountID == "" || req.RuleID == "" {
			return apperr.MissingField("email_account_id, rule_id")
		}

		if err := deps.FixRuleService.LearnSender(c.UserContext(), req.EmailAccountID, req.RuleID, req.Sender); err != nil {
			return err
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	// Ask the model how the rules should change for a misclassified message.
	dev.Post("/rules/fix", func(c *fiber.Ctx) error {
		var req devFixRequest
		if err := c.BodyParser(&req); err != nil {
			return apperr.ValidationFailed("invalid body")
		}
		if req.EmailAccountID == "" || req.MessageID == "" {
			return apperr.MissingField("email_account_id, message_id")
		}
		if deps.MessageCache == nil {
			return apperr.ConfigError("no message store configured")
		}

		ctx := c.UserContext()
		msg, err := deps.MessageCache.GetMessage(ctx, req.EmailAccountID, req.MessageID)
		if err != nil {
			return err
		}

		fix := rule.FixRequest{Message: msg, ExpectedRuleName: req.ExpectedRuleName}
		record, err := deps.ExecutedRepo.GetByMessage(ctx, req.EmailAccountID, req.MessageID)
		switch {
		case err == nil:
			fix.Reason = record.Reason
			if record.RuleID != "" {
				if applied, err := deps.RuleRepo.GetByID(ctx, req.EmailAccountID, record.RuleID); err == nil {
					fix.AppliedRule = applied
				}
			}
		case !apperr.IsCode(err, apperr.CodeNotFound):
			return err
		}

		account, err := deps.AccountRepo.GetByID(ctx, req.EmailAccountID)
		if err != nil {
			return err
		}
		suggestion, err := deps.FixRuleService.SuggestFix(ctx, account, fix)
		if err != nil {
			return err
		}
		return c.JSON(fiber.Map{"suggestion": suggestion})
	})

	dev.Get("/usage/:email", func(c *fiber.Ctx) error {
		if deps.UsageStore == nil {
			return apperr.ConfigError("no usage store configured")
		}
		totals, err := deps.UsageStore.GetUsage(c.UserContext(), c.Params("email"))
		if err != nil {
			return err
		}
		return c.JSON(totals)
	})
}
