package sa

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/letsencrypt/borp"

	"github.com/trellisca/trellis/core"
	"github.com/trellisca/trellis/identifier"
	"github.com/trellisca/trellis/probs"
)

// initTables registers the table mappings for each model. The column types
// for JSON-bearing columns are handled by TrellisTypeConverter.
func initTables(dbMap *borp.DbMap) {
	dbMap.AddTableWithName(regModel{}, "registrations").SetKeys(true, "ID")
	dbMap.AddTableWithName(orderModel{}, "orders").SetKeys(true, "ID")
	dbMap.AddTableWithName(orderToAuthzModel{}, "orderToAuthz").SetKeys(false, "OrderID", "AuthzID")
	dbMap.AddTableWithName(authzModel{}, "authz").SetKeys(false, "ID")
	dbMap.AddTableWithName(core.Certificate{}, "certificates").SetKeys(true, "ID")
}

// regModel is the description of a core.Registration in the database. The
// jwk_sha256 column carries a unique index so that the same account key can
// never be bound to two accounts.
type regModel struct {
	ID        int64           `db:"id"`
	Key       []byte          `db:"jwk"`
	KeySHA256 string          `db:"jwk_sha256"`
	Contact   []string        `db:"contact"`
	Agreement string          `db:"agreement"`
	CreatedAt time.Time       `db:"createdAt"`
	Status    core.AcmeStatus `db:"status"`
}

// orderModel holds one row of the orders table. The set of authorization IDs
// belonging to an order lives in orderToAuthz, and the order's status (other
// than the processing and invalid states recorded here) is computed from
// those authorizations at retrieval time.
type orderModel struct {
	ID                int64                       `db:"id"`
	RegistrationID    int64                       `db:"registrationID"`
	Created           time.Time                   `db:"created"`
	Expires           time.Time                   `db:"expires"`
	Identifiers       []identifier.ACMEIdentifier `db:"identifiers"`
	Error             *probs.ProblemDetails       `db:"error"`
	CertificateSerial string                      `db:"certificateSerial"`
	BeganProcessing   bool                        `db:"beganProcessing"`
	Status            core.AcmeStatus             `db:"status"`
}

// orderToAuthzModel joins orders to the authorizations they reference.
type orderToAuthzModel struct {
	OrderID int64  `db:"orderID"`
	AuthzID string `db:"authzID"`
}

// authzModel is the description of a core.Authorization in the database. The
// identifier value is stored without any "*." prefix; the wildcard column
// records whether the authorization was created for a wildcard name.
type authzModel struct {
	ID             string                    `db:"id"`
	Identifier     identifier.ACMEIdentifier `db:"identifier"`
	RegistrationID int64                     `db:"registrationID"`
	Status         core.AcmeStatus           `db:"status"`
	Expires        time.Time                 `db:"expires"`
	Wildcard       bool                      `db:"wildcard"`
	Challenges     []core.Challenge          `db:"challenges"`
}

func registrationToModel(r *core.Registration) (*regModel, error) {
	if r.Key == nil {
		return nil, errors.New("registration has no key")
	}

	key, err := r.Key.MarshalJSON()
	if err != nil {
		return nil, err
	}

	sha, err := core.KeyDigestB64(r.Key)
	if err != nil {
		return nil, err
	}

	var contact []string
	if r.Contact != nil {
		contact = *r.Contact
	}

	rm := &regModel{
		ID:        r.ID,
		Key:       key,
		KeySHA256: sha,
		Contact:   contact,
		Agreement: r.Agreement,
		Status:    r.Status,
	}
	if r.CreatedAt != nil {
		rm.CreatedAt = *r.CreatedAt
	}
	return rm, nil
}

func modelToRegistration(rm *regModel) (core.Registration, error) {
	k := &jose.JSONWebKey{}
	err := k.UnmarshalJSON(rm.Key)
	if err != nil {
		return core.Registration{}, fmt.Errorf("unable to unmarshal JSONWebKey in db: %w", err)
	}

	var contact *[]string
	if len(rm.Contact) > 0 {
		contact = &rm.Contact
	}

	createdAt := rm.CreatedAt
	return core.Registration{
		ID:        rm.ID,
		Key:       k,
		Contact:   contact,
		Agreement: rm.Agreement,
		CreatedAt: &createdAt,
		Status:    rm.Status,
	}, nil
}

func orderToModel(order *core.Order) *orderModel {
	return &orderModel{
		ID:                order.ID,
		RegistrationID:    order.RegistrationID,
		Created:           order.Created,
		Expires:           order.Expires,
		Identifiers:       order.Identifiers,
		Error:             order.Error,
		CertificateSerial: order.CertificateSerial,
		BeganProcessing:   order.BeganProcessing,
		Status:            order.Status,
	}
}

// modelToOrder does not fill AuthzIDs; the caller joins them in from the
// orderToAuthz table.
func modelToOrder(om *orderModel) *core.Order {
	return &core.Order{
		ID:                om.ID,
		RegistrationID:    om.RegistrationID,
		Created:           om.Created,
		Expires:           om.Expires,
		Identifiers:       om.Identifiers,
		Error:             om.Error,
		CertificateSerial: om.CertificateSerial,
		BeganProcessing:   om.BeganProcessing,
		Status:            om.Status,
	}
}

func authzToModel(authz *core.Authorization) (*authzModel, error) {
	if authz.ID == "" {
		return nil, errors.New("authorization has no ID")
	}
	if authz.Expires == nil {
		return nil, errors.New("authorization has no expiry")
	}
	return &authzModel{
		ID:             authz.ID,
		Identifier:     authz.Identifier,
		RegistrationID: authz.RegistrationID,
		Status:         authz.Status,
		Expires:        *authz.Expires,
		Wildcard:       authz.Wildcard,
		Challenges:     authz.Challenges,
	}, nil
}

func modelToAuthz(am *authzModel) core.Authorization {
	expires := am.Expires
	return core.Authorization{
		ID:             am.ID,
		Identifier:     am.Identifier,
		RegistrationID: am.RegistrationID,
		Status:         am.Status,
		Expires:        &expires,
		Challenges:     am.Challenges,
		Wildcard:       am.Wildcard,
	}
}
