package filter

import "strings"

// AddressValue is an address constraint: Address, AddressList or *Factory.
// A nil AddressValue matches any address.
type AddressValue interface {
	isAddressValue()
}

// Address is a single concrete address.
type Address string

// AddressList holds either only concrete addresses or only factories.
type AddressList []AddressValue

func (Address) isAddressValue()     {}
func (AddressList) isAddressValue() {}
func (*Factory) isAddressValue()    {}

// Addresses builds a lowercase concrete address value. A single address
// yields an Address, anything else an AddressList.
func Addresses(addrs ...string) AddressValue {
	if len(addrs) == 1 {
		return Address(strings.ToLower(addrs[0]))
	}
	list := make(AddressList, 0, len(addrs))
	for _, a := range addrs {
		list = append(list, Address(strings.ToLower(a)))
	}
	return list
}

// IsFactory reports whether v refers to factories. Lists are never mixed,
// so the first element decides.
func IsFactory(v AddressValue) bool {
	switch v := v.(type) {
	case *Factory:
		return v != nil
	case AddressList:
		if len(v) == 0 {
			return false
		}
		return IsFactory(v[0])
	}
	return false
}

// Factories returns the factories referenced by v.
func Factories(v AddressValue) []*Factory {
	switch v := v.(type) {
	case *Factory:
		if v != nil {
			return []*Factory{v}
		}
	case AddressList:
		var out []*Factory
		for _, item := range v {
			out = append(out, Factories(item)...)
		}
		return out
	}
	return nil
}

// Concrete returns the lowercase concrete addresses in v. It returns nil
// when v places no constraint and an empty, non-nil slice for an empty list.
func Concrete(v AddressValue) []string {
	switch v := v.(type) {
	case Address:
		return []string{strings.ToLower(string(v))}
	case AddressList:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if a, ok := item.(Address); ok {
				out = append(out, strings.ToLower(string(a)))
			}
		}
		return out
	}
	return nil
}
