package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/samresearch/sam-server/internal/model"
	"github.com/samresearch/sam-server/internal/samauth"
	"github.com/samresearch/sam-server/internal/samerr"
	"github.com/samresearch/sam-server/internal/storage"
)

// DeviceService implements spec §4.5: device enrollment, linking, and
// deterministic id allocation, grounded in original_source's logic/device.rs
// and managers/in_memory/device.rs.
type DeviceService struct {
	Accounts storage.AccountStore
	Devices  storage.DeviceStore
	Keys     storage.KeyStore
	Messages storage.MessageStore
	KeyService *KeyService
	LinkTokens *samauth.LinkTokenAuthenticator
	Logger     *slog.Logger
}

// Provision mints a device-link token for accountID. Only the primary
// device may call this (enforced at the HTTP layer per spec §6).
func (d *DeviceService) Provision(accountID model.AccountID) model.LinkToken {
	return d.LinkTokens.Mint(accountID)
}

// LinkDevice verifies the presented token, allocates the next device id,
// creates the device, and publishes its initial key bundle.
func (d *DeviceService) LinkDevice(ctx context.Context, req model.LinkDeviceRequest) (model.LinkDeviceResponse, error) {
	accountID, err := d.LinkTokens.Verify(req.Token)
	if err != nil {
		return model.LinkDeviceResponse{}, err
	}

	tokenID := samauth.TokenID(req.Token)
	if err := d.Accounts.AddUsedLinkToken(ctx, tokenID, time.Now()); err != nil {
		return model.LinkDeviceResponse{}, err
	}

	account, err := d.Accounts.GetAccount(ctx, accountID)
	if err != nil {
		return model.LinkDeviceResponse{}, err
	}

	deviceID, err := d.nextDeviceID(ctx, accountID)
	if err != nil {
		return model.LinkDeviceResponse{}, err
	}

	device, err := d.createDevice(ctx, accountID, account.IdentityKey, deviceID, req.Activation, req.Password, req.KeyBundle)
	if err != nil {
		return model.LinkDeviceResponse{}, err
	}

	return model.LinkDeviceResponse{AccountID: accountID, DeviceID: device.ID}, nil
}

// Unlink deletes a non-primary device. The primary device (id 1) may only
// be removed by AccountService.Delete.
func (d *DeviceService) Unlink(ctx context.Context, addr model.DeviceAddress) error {
	if addr.DeviceID == model.PrimaryDeviceID {
		return errors.WithStack(samerr.ErrPrimaryDeviceProtected)
	}
	if err := d.Keys.DeleteDeviceKeys(ctx, addr); err != nil {
		return errors.Wrap(err, "delete keys")
	}
	if err := d.Messages.DeleteAllMessages(ctx, addr); err != nil {
		return errors.Wrap(err, "delete messages")
	}
	if err := d.Devices.DeleteDevice(ctx, addr); err != nil {
		return errors.Wrap(err, "delete device")
	}
	return nil
}

// createDevice builds and stores a new Device, then publishes its initial
// key bundle via the Key Service, grounded in
// original_source::logic::device::create_device.
func (d *DeviceService) createDevice(
	ctx context.Context,
	accountID model.AccountID,
	identityKey []byte,
	deviceID model.DeviceID,
	activation model.DeviceActivation,
	password string,
	bundle model.PublishPreKeys,
) (model.Device, error) {
	pw, err := samauth.GeneratePassword(password)
	if err != nil {
		return model.Device{}, errors.Wrap(err, "hash password")
	}

	device := model.Device{
		AccountID:      accountID,
		ID:             deviceID,
		Name:           activation.Name,
		RegistrationID: activation.RegistrationID,
		CreatedAt:      time.Now(),
		PasswordHash:   pw.Hash,
		PasswordSalt:   pw.Salt,
	}
	if err := d.Devices.AddDevice(ctx, device); err != nil {
		return model.Device{}, errors.Wrap(err, "add device")
	}

	if err := d.KeyService.Publish(ctx, accountID, deviceID, identityKey, bundle); err != nil {
		if delErr := d.Devices.DeleteDevice(ctx, model.DeviceAddress{AccountID: accountID, DeviceID: deviceID}); delErr != nil {
			d.logf("rollback device %d after failed key publication failed: %v", deviceID, delErr)
		}
		return model.Device{}, errors.Wrap(err, "publish initial key bundle")
	}

	return device, nil
}

// nextDeviceID implements spec §4.5's deterministic allocation: sort
// existing ids ascending, the allocated id is the first 1-based index whose
// value does not match its position, else len+1.
func (d *DeviceService) nextDeviceID(ctx context.Context, accountID model.AccountID) (model.DeviceID, error) {
	devices, err := d.Devices.GetAllDevices(ctx, accountID)
	if err != nil {
		return 0, errors.Wrap(err, "list devices")
	}
	ids := make([]int, 0, len(devices))
	for _, dev := range devices {
		ids = append(ids, int(dev.ID))
	}
	sort.Ints(ids)
	for i, id := range ids {
		if id != i+1 {
			return model.DeviceID(i + 1), nil
		}
	}
	return model.DeviceID(len(ids) + 1), nil
}

func (d *DeviceService) logf(format string, args ...any) {
	if d.Logger != nil {
		d.Logger.Error(fmt.Sprintf(format, args...))
	}
}
