// Package service implements the Account, Device, and Key services of
// SPEC_FULL.md §4.4-4.6, orchestrating the storage interfaces and the
// samauth primitives.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/samresearch/sam-server/internal/model"
	"github.com/samresearch/sam-server/internal/storage"
)

// AccountService implements spec §4.4: account creation and cascading
// deletion, grounded in original_source's logic/account.rs.
type AccountService struct {
	Accounts storage.AccountStore
	Devices  *DeviceService
	Logger   *slog.Logger
}

// Register mints a fresh account and delegates primary-device creation to
// the Device Service. Failure after the account row is written triggers a
// best-effort rollback of that row, matching spec §4.4's "partial writes are
// cleaned up" requirement.
func (a *AccountService) Register(ctx context.Context, req model.RegistrationRequest) (model.RegistrationResponse, error) {
	account := model.Account{
		ID:          model.NewAccountID(),
		Username:    req.Username,
		IdentityKey: req.IdentityKey,
		CreatedAt:   time.Now(),
	}
	if err := a.Accounts.AddAccount(ctx, account); err != nil {
		return model.RegistrationResponse{}, errors.Wrap(err, "add account")
	}

	_, err := a.Devices.createDevice(ctx, account.ID, account.IdentityKey, model.PrimaryDeviceID, req.Activation, req.Password, req.KeyBundle)
	if err != nil {
		if delErr := a.Accounts.DeleteAccount(ctx, account.ID); delErr != nil {
			a.logf("rollback account %s after failed registration failed: %v", account.ID, delErr)
		}
		return model.RegistrationResponse{}, errors.Wrap(err, "create primary device")
	}

	return model.RegistrationResponse{AccountID: account.ID}, nil
}

// Delete removes all key material, queued messages, devices, and finally the
// account itself, in that order, so no dangling rows are ever observable
// after it returns (spec §4.4, §8 invariant).
func (a *AccountService) Delete(ctx context.Context, accountID model.AccountID) error {
	devices, err := a.Devices.Devices.GetAllDevices(ctx, accountID)
	if err != nil {
		return errors.Wrap(err, "list devices")
	}

	for _, d := range devices {
		addr := model.DeviceAddress{AccountID: accountID, DeviceID: d.ID}
		if err := a.Devices.Keys.DeleteDeviceKeys(ctx, addr); err != nil {
			return errors.Wrapf(err, "delete keys for device %d", d.ID)
		}
	}
	for _, d := range devices {
		addr := model.DeviceAddress{AccountID: accountID, DeviceID: d.ID}
		if err := a.Devices.Messages.DeleteAllMessages(ctx, addr); err != nil {
			return errors.Wrapf(err, "delete messages for device %d", d.ID)
		}
	}
	for _, d := range devices {
		addr := model.DeviceAddress{AccountID: accountID, DeviceID: d.ID}
		if err := a.Devices.Devices.DeleteDevice(ctx, addr); err != nil {
			return errors.Wrapf(err, "delete device %d", d.ID)
		}
	}
	if err := a.Accounts.DeleteAccount(ctx, accountID); err != nil {
		return errors.Wrap(err, "delete account")
	}
	return nil
}

func (a *AccountService) logf(format string, args ...any) {
	if a.Logger != nil {
		a.Logger.Error(fmt.Sprintf(format, args...))
	}
}
