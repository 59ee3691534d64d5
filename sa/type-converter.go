package sa

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-jose/go-jose/v4"
	"github.com/letsencrypt/borp"

	"github.com/trellisca/trellis/core"
	"github.com/trellisca/trellis/identifier"
	"github.com/trellisca/trellis/probs"
)

// TrellisTypeConverter is used by borp for storing objects in DB.
type TrellisTypeConverter struct{}

// ToDb converts a trellis object to a database representation
func (tc TrellisTypeConverter) ToDb(val interface{}) (interface{}, error) {
	switch t := val.(type) {
	case identifier.ACMEIdentifier, []identifier.ACMEIdentifier, []core.Challenge, []core.ValidationRecord, []string:
		jsonBytes, err := json.Marshal(t)
		if err != nil {
			return nil, err
		}
		return string(jsonBytes), nil
	case *probs.ProblemDetails:
		if t == nil {
			return nil, nil
		}
		jsonBytes, err := json.Marshal(t)
		if err != nil {
			return nil, err
		}
		return string(jsonBytes), nil
	case jose.JSONWebKey:
		jsonBytes, err := t.MarshalJSON()
		if err != nil {
			return "", err
		}
		return string(jsonBytes), nil
	case core.AcmeStatus:
		return string(t), nil
	case core.AcmeChallenge:
		return string(t), nil
	default:
		return val, nil
	}
}

// FromDb converts a database representation back into a trellis object
func (tc TrellisTypeConverter) FromDb(target interface{}) (borp.CustomScanner, bool) {
	switch target.(type) {
	case *identifier.ACMEIdentifier, *[]identifier.ACMEIdentifier, *[]core.Challenge, *[]core.ValidationRecord, *[]string, **probs.ProblemDetails:
		binder := func(holder, target interface{}) error {
			s, ok := holder.(*string)
			if !ok {
				return errors.New("FromDb: unable to convert *string")
			}
			if s == nil {
				return nil
			}
			b := []byte(*s)
			return json.Unmarshal(b, target)
		}
		return borp.CustomScanner{Holder: new(string), Target: target, Binder: binder}, true
	case *jose.JSONWebKey:
		binder := func(holder, target interface{}) error {
			s, ok := holder.(*string)
			if !ok {
				return fmt.Errorf("FromDb: unable to convert %T to *string", holder)
			}
			if *s == "" {
				return errors.New("FromDb: no JSON web key in database")
			}
			k, ok := target.(*jose.JSONWebKey)
			if !ok {
				return fmt.Errorf("FromDb: unable to convert %T to *jose.JSONWebKey", target)
			}
			return k.UnmarshalJSON([]byte(*s))
		}
		return borp.CustomScanner{Holder: new(string), Target: target, Binder: binder}, true
	case *core.AcmeStatus:
		binder := func(holder, target interface{}) error {
			s, ok := holder.(*string)
			if !ok {
				return fmt.Errorf("FromDb: unable to convert %T to *string", holder)
			}
			st, ok := target.(*core.AcmeStatus)
			if !ok {
				return fmt.Errorf("FromDb: unable to convert %T to *core.AcmeStatus", target)
			}
			*st = core.AcmeStatus(*s)
			return nil
		}
		return borp.CustomScanner{Holder: new(string), Target: target, Binder: binder}, true
	case *core.AcmeChallenge:
		binder := func(holder, target interface{}) error {
			s, ok := holder.(*string)
			if !ok {
				return fmt.Errorf("FromDb: unable to convert %T to *string", holder)
			}
			ch, ok := target.(*core.AcmeChallenge)
			if !ok {
				return fmt.Errorf("FromDb: unable to convert %T to *core.AcmeChallenge", target)
			}
			*ch = core.AcmeChallenge(*s)
			return nil
		}
		return borp.CustomScanner{Holder: new(string), Target: target, Binder: binder}, true
	default:
		return borp.CustomScanner{}, false
	}
}
