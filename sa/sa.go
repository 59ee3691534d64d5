package sa

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/jmhodges/clock"

	"github.com/trellisca/trellis/core"
	"github.com/trellisca/trellis/db"
	terrors "github.com/trellisca/trellis/errors"
	"github.com/trellisca/trellis/identifier"
	blog "github.com/trellisca/trellis/log"
	"github.com/trellisca/trellis/probs"
)

// SQLStorageAuthority implements core.StorageAuthority against a MariaDB
// database.
type SQLStorageAuthority struct {
	dbMap *db.WrappedMap
	clk   clock.Clock
	log   blog.Logger
}

var _ core.StorageAuthority = (*SQLStorageAuthority)(nil)

// NewSQLStorageAuthority provides persistence using a SQL backend for
// Trellis. It will modify the given borp.DbMap by adding relevant tables.
func NewSQLStorageAuthority(
	dbMap *db.WrappedMap,
	clk clock.Clock,
	logger blog.Logger,
) (*SQLStorageAuthority, error) {
	ssa := &SQLStorageAuthority{
		dbMap: dbMap,
		clk:   clk,
		log:   logger,
	}
	return ssa, nil
}

// GetRegistration returns the registration identified by the given ID.
func (ssa *SQLStorageAuthority) GetRegistration(ctx context.Context, id int64) (core.Registration, error) {
	model := regModel{}
	err := ssa.dbMap.SelectOne(ctx, &model, "SELECT * FROM registrations WHERE id = ?", id)
	if err != nil {
		if db.IsNoRows(err) {
			return core.Registration{}, terrors.NotFoundError("registration with ID '%d' not found", id)
		}
		return core.Registration{}, err
	}
	return modelToRegistration(&model)
}

// GetRegistrationByKey returns the registration whose account key matches the
// given JWK.
func (ssa *SQLStorageAuthority) GetRegistrationByKey(ctx context.Context, key *jose.JSONWebKey) (core.Registration, error) {
	if key == nil {
		return core.Registration{}, errors.New("key argument to GetRegistrationByKey must not be nil")
	}

	sha, err := core.KeyDigestB64(key.Key)
	if err != nil {
		return core.Registration{}, err
	}

	model := regModel{}
	err = ssa.dbMap.SelectOne(ctx, &model, "SELECT * FROM registrations WHERE jwk_sha256 = ?", sha)
	if err != nil {
		if db.IsNoRows(err) {
			return core.Registration{}, terrors.NotFoundError("no registrations with public key sha256 %q", sha)
		}
		return core.Registration{}, err
	}
	return modelToRegistration(&model)
}

// NewRegistration stores a new registration, assigning it an ID and a
// creation time. A registration whose key is already bound to another account
// produces a duplicate error.
func (ssa *SQLStorageAuthority) NewRegistration(ctx context.Context, reg core.Registration) (core.Registration, error) {
	createdAt := ssa.clk.Now()
	reg.CreatedAt = &createdAt
	if reg.Status == "" {
		reg.Status = core.StatusValid
	}

	rm, err := registrationToModel(&reg)
	if err != nil {
		return core.Registration{}, err
	}

	err = ssa.dbMap.Insert(ctx, rm)
	if err != nil {
		if db.IsDuplicate(err) {
			// duplicate entry on the jwk_sha256 unique index
			return core.Registration{}, terrors.DuplicateError("key is already in use for a different account")
		}
		return core.Registration{}, err
	}
	return modelToRegistration(rm)
}

// UpdateRegistration stores an updated registration. The registration must
// already exist; its ID and key digest are never changed by this method's
// callers except during key rollover, in which case the new key's digest must
// not collide with another account.
func (ssa *SQLStorageAuthority) UpdateRegistration(ctx context.Context, reg core.Registration) error {
	rm, err := registrationToModel(&reg)
	if err != nil {
		return err
	}

	n, err := ssa.dbMap.Update(ctx, rm)
	if err != nil {
		if db.IsDuplicate(err) {
			return terrors.DuplicateError("key is already in use for a different account")
		}
		return err
	}
	if n == 0 {
		return terrors.NotFoundError("registration with ID '%d' not found", reg.ID)
	}
	return nil
}

// DeactivateRegistration deactivates a currently valid registration.
func (ssa *SQLStorageAuthority) DeactivateRegistration(ctx context.Context, id int64) error {
	result, err := ssa.dbMap.ExecContext(ctx,
		"UPDATE registrations SET status = ? WHERE status = ? AND id = ?",
		core.StatusDeactivated,
		core.StatusValid,
		id,
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return terrors.NotFoundError("no valid registration with ID '%d'", id)
	}
	return nil
}

// NewOrderAndAuthzs adds a new order, any new authorizations it requires, and
// the rows joining the order to all of its authorizations (new and reused) in
// a single transaction. Authorizations in newAuthzs that have no ID are
// assigned one. The returned order has its ID, creation time and full
// authorization ID list populated.
func (ssa *SQLStorageAuthority) NewOrderAndAuthzs(ctx context.Context, order *core.Order, newAuthzs []core.Authorization) (*core.Order, error) {
	if order == nil {
		return nil, errors.New("order argument to NewOrderAndAuthzs must not be nil")
	}

	output, err := db.WithTransaction(ctx, ssa.dbMap, func(tx db.Executor) (interface{}, error) {
		authzIDs := append([]string{}, order.AuthzIDs...)
		for i := range newAuthzs {
			if newAuthzs[i].ID == "" {
				newAuthzs[i].ID = core.NewToken()
			}
			am, err := authzToModel(&newAuthzs[i])
			if err != nil {
				return nil, err
			}
			err = tx.Insert(ctx, am)
			if err != nil {
				return nil, err
			}
			authzIDs = append(authzIDs, am.ID)
		}

		om := orderToModel(order)
		om.Created = ssa.clk.Now()
		om.Status = core.StatusPending
		err := tx.Insert(ctx, om)
		if err != nil {
			return nil, err
		}

		inserter, err := db.NewMultiInserter("orderToAuthz", []string{"orderID", "authzID"}, "")
		if err != nil {
			return nil, err
		}
		for _, authzID := range authzIDs {
			err = inserter.Add([]interface{}{om.ID, authzID})
			if err != nil {
				return nil, err
			}
		}
		_, err = inserter.Insert(ctx, tx)
		if err != nil {
			return nil, err
		}

		res := modelToOrder(om)
		res.AuthzIDs = authzIDs
		return res, nil
	})
	if err != nil {
		return nil, err
	}

	res, ok := output.(*core.Order)
	if !ok {
		return nil, fmt.Errorf("shouldn't happen: casting error in NewOrderAndAuthzs")
	}
	return res, nil
}

// GetOrder returns the order identified by the given ID, including the IDs of
// all of its authorizations.
func (ssa *SQLStorageAuthority) GetOrder(ctx context.Context, id int64) (*core.Order, error) {
	om := orderModel{}
	err := ssa.dbMap.SelectOne(ctx, &om, "SELECT * FROM orders WHERE id = ?", id)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, terrors.NotFoundError("no order found for ID %d", id)
		}
		return nil, err
	}

	var authzIDs []string
	_, err = ssa.dbMap.Select(ctx, &authzIDs, "SELECT authzID FROM orderToAuthz WHERE orderID = ?", id)
	if err != nil {
		return nil, err
	}

	order := modelToOrder(&om)
	order.AuthzIDs = authzIDs
	return order, nil
}

// SetOrderProcessing updates an order from status "ready" to status
// "processing", and marks it as having begun processing so that a second
// finalization request cannot race the first.
func (ssa *SQLStorageAuthority) SetOrderProcessing(ctx context.Context, id int64) error {
	result, err := ssa.dbMap.ExecContext(ctx,
		"UPDATE orders SET status = ?, beganProcessing = ? WHERE id = ? AND beganProcessing = ?",
		core.StatusProcessing,
		true,
		id,
		false,
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return terrors.InternalServerError("no order updated to processing status")
	}
	return nil
}

// SetOrderError updates an order with the given problem and moves it to
// status "invalid". Because this is a hand-built update the problem document
// is marshalled here rather than by the type converter.
func (ssa *SQLStorageAuthority) SetOrderError(ctx context.Context, id int64, prob *probs.ProblemDetails) error {
	if prob == nil {
		return errors.New("prob argument to SetOrderError must not be nil")
	}
	probJSON, err := json.Marshal(prob)
	if err != nil {
		return err
	}

	result, err := ssa.dbMap.ExecContext(ctx,
		"UPDATE orders SET error = ?, status = ? WHERE id = ?",
		string(probJSON),
		core.StatusInvalid,
		id,
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return terrors.NotFoundError("no order found for ID %d", id)
	}
	return nil
}

// FinalizeOrder attaches a certificate serial to a processing order and moves
// it to status "valid".
func (ssa *SQLStorageAuthority) FinalizeOrder(ctx context.Context, id int64, certificateSerial string) error {
	result, err := ssa.dbMap.ExecContext(ctx,
		"UPDATE orders SET certificateSerial = ?, status = ? WHERE id = ? AND beganProcessing = ?",
		certificateSerial,
		core.StatusValid,
		id,
		true,
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return terrors.InternalServerError("no order updated to valid status")
	}
	return nil
}

// GetAuthorization returns the authorization identified by the given ID.
func (ssa *SQLStorageAuthority) GetAuthorization(ctx context.Context, id string) (core.Authorization, error) {
	am := authzModel{}
	err := ssa.dbMap.SelectOne(ctx, &am, "SELECT * FROM authz WHERE id = ?", id)
	if err != nil {
		if db.IsNoRows(err) {
			return core.Authorization{}, terrors.NotFoundError("authorization %q not found", id)
		}
		return core.Authorization{}, err
	}
	return modelToAuthz(&am), nil
}

// GetAuthorizations returns the authorizations for all of the given IDs. IDs
// with no corresponding row are simply absent from the result; it is the
// caller's job to notice if it got fewer authorizations than it asked for.
func (ssa *SQLStorageAuthority) GetAuthorizations(ctx context.Context, ids []string) ([]core.Authorization, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	selector := db.NewMappedSelector[authzModel](ssa.dbMap)
	rows, err := selector.Query(ctx, fmt.Sprintf("WHERE id IN (%s)", db.QuestionMarks(len(ids))), args...)
	if err != nil {
		return nil, err
	}
	defer func() {
		err := rows.Close()
		if err != nil {
			ssa.log.Errf("closing authz rows: %s", err)
		}
	}()

	var authzs []core.Authorization
	for rows.Next() {
		am, err := rows.Get()
		if err != nil {
			return nil, err
		}
		authzs = append(authzs, modelToAuthz(am))
	}
	err = rows.Err()
	if err != nil {
		return nil, err
	}
	return authzs, nil
}

// GetValidAuthorizations returns the registration's unexpired valid
// authorizations for the given identifiers, keyed by identifier. When more
// than one valid authorization exists for an identifier, the one expiring
// last wins. The identifier column is JSON, so the identifier filter is
// applied after scanning.
func (ssa *SQLStorageAuthority) GetValidAuthorizations(ctx context.Context, regID int64, idents []identifier.ACMEIdentifier, now time.Time) (map[identifier.ACMEIdentifier]core.Authorization, error) {
	if len(idents) == 0 {
		return nil, nil
	}

	wanted := make(map[identifier.ACMEIdentifier]bool, len(idents))
	for _, ident := range idents {
		wanted[ident.Normalize()] = true
	}

	selector := db.NewMappedSelector[authzModel](ssa.dbMap)
	rows, err := selector.Query(
		ctx,
		"WHERE registrationID = ? AND status = ? AND expires > ?",
		regID, string(core.StatusValid), now)
	if err != nil {
		return nil, err
	}
	defer func() {
		err := rows.Close()
		if err != nil {
			ssa.log.Errf("closing authz rows: %s", err)
		}
	}()

	authzs := make(map[identifier.ACMEIdentifier]core.Authorization)
	for rows.Next() {
		am, err := rows.Get()
		if err != nil {
			return nil, err
		}
		ident := am.Identifier.Normalize()
		if !wanted[ident] {
			continue
		}
		existing, ok := authzs[ident]
		if ok && !existing.Expires.Before(am.Expires) {
			continue
		}
		authzs[ident] = modelToAuthz(am)
	}
	err = rows.Err()
	if err != nil {
		return nil, err
	}
	return authzs, nil
}

// FinalizeAuthorization moves a pending authorization to its final state
// (valid or invalid), storing the updated challenges alongside it.
func (ssa *SQLStorageAuthority) FinalizeAuthorization(ctx context.Context, authz core.Authorization) error {
	if authz.Status != core.StatusValid && authz.Status != core.StatusInvalid {
		return terrors.InternalServerError("authorization must have status valid or invalid")
	}

	am, err := authzToModel(&authz)
	if err != nil {
		return err
	}

	_, err = db.WithTransaction(ctx, ssa.dbMap, func(tx db.Executor) (interface{}, error) {
		current := authzModel{}
		err := tx.SelectOne(ctx, &current, "SELECT * FROM authz WHERE id = ?", am.ID)
		if err != nil {
			if db.IsNoRows(err) {
				return nil, terrors.NotFoundError("authorization %q not found", am.ID)
			}
			return nil, err
		}
		if current.Status != core.StatusPending {
			return nil, terrors.InternalServerError("authorization %q is not pending", am.ID)
		}

		_, err = tx.Update(ctx, am)
		if err != nil {
			return nil, err
		}
		return nil, nil
	})
	return err
}

// DeactivateAuthorization deactivates a pending or valid authorization.
func (ssa *SQLStorageAuthority) DeactivateAuthorization(ctx context.Context, id string) error {
	result, err := ssa.dbMap.ExecContext(ctx,
		"UPDATE authz SET status = ? WHERE id = ? AND status IN (?, ?)",
		core.StatusDeactivated,
		id,
		core.StatusPending,
		core.StatusValid,
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return terrors.NotFoundError("no pending or valid authorization %q", id)
	}
	return nil
}

// DeactivateExpiredAuthorizations moves every pending or valid authorization
// whose expiry is at or before the given time to status "expired", returning
// the number of rows changed. It is called periodically by the expiry
// sweeper.
func (ssa *SQLStorageAuthority) DeactivateExpiredAuthorizations(ctx context.Context, now time.Time) (int64, error) {
	result, err := ssa.dbMap.ExecContext(ctx,
		"UPDATE authz SET status = ? WHERE expires <= ? AND status IN (?, ?)",
		core.StatusExpired,
		now,
		core.StatusPending,
		core.StatusValid,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// AddCertificate stores an issued certificate, extracting its serial number
// and expiry from the DER itself.
func (ssa *SQLStorageAuthority) AddCertificate(ctx context.Context, der []byte, regID int64, issued time.Time) (core.Certificate, error) {
	parsed, err := x509.ParseCertificate(der)
	if err != nil {
		return core.Certificate{}, err
	}

	cert := core.Certificate{
		RegistrationID: regID,
		Serial:         core.SerialToString(parsed.SerialNumber),
		Digest:         core.Fingerprint256(der),
		DER:            der,
		Issued:         issued,
		Expires:        parsed.NotAfter,
	}

	err = ssa.dbMap.Insert(ctx, &cert)
	if err != nil {
		if db.IsDuplicate(err) {
			return core.Certificate{}, terrors.DuplicateError("cannot add a duplicate certificate for serial %q", cert.Serial)
		}
		return core.Certificate{}, err
	}
	return cert, nil
}

// GetCertificate takes a serial number and returns the corresponding
// certificate, or error if it does not exist.
func (ssa *SQLStorageAuthority) GetCertificate(ctx context.Context, serial string) (core.Certificate, error) {
	if !core.ValidSerial(serial) {
		return core.Certificate{}, fmt.Errorf("invalid certificate serial %q", serial)
	}

	cert := core.Certificate{}
	err := ssa.dbMap.SelectOne(ctx, &cert, "SELECT * FROM certificates WHERE serial = ?", serial)
	if err != nil {
		if db.IsNoRows(err) {
			return core.Certificate{}, terrors.NotFoundError("certificate with serial %q not found", serial)
		}
		return core.Certificate{}, err
	}
	return cert, nil
}
