package node

import (
	"fmt"

	"github.com/ipld/go-ipld-prime/datamodel"
	"github.com/ipld/go-ipld-prime/node/basicnode"
)

// ValueToNode converts a decoded JSON value (as produced by
// encoding/json.Unmarshal into an any) into an IPLD node using the Any
// prototype, so arbitrary user metadata can ride inside a canonical CBOR
// block alongside typed fields.
func ValueToNode(v any) (datamodel.Node, error) {
	nb := basicnode.Prototype.Any.NewBuilder()
	if err := assignValue(nb, v); err != nil {
		return nil, err
	}
	return nb.Build(), nil
}

func assignValue(na datamodel.NodeAssembler, v any) error {
	switch t := v.(type) {
	case nil:
		return na.AssignNull()
	case bool:
		return na.AssignBool(t)
	case string:
		return na.AssignString(t)
	case float64:
		return na.AssignFloat(t)
	case int:
		return na.AssignInt(int64(t))
	case int64:
		return na.AssignInt(t)
	case map[string]any:
		ma, err := na.BeginMap(int64(len(t)))
		if err != nil {
			return err
		}
		for key, val := range t {
			entry, err := ma.AssembleEntry(key)
			if err != nil {
				return err
			}
			if err := assignValue(entry, val); err != nil {
				return err
			}
		}
		return ma.Finish()
	case []any:
		la, err := na.BeginList(int64(len(t)))
		if err != nil {
			return err
		}
		for _, val := range t {
			if err := assignValue(la.AssembleValue(), val); err != nil {
				return err
			}
		}
		return la.Finish()
	default:
		return fmt.Errorf("unsupported metadata value type %T", v)
	}
}

// NodeToValue is the inverse of ValueToNode: it decodes an IPLD Any node
// back into a plain Go value made of map[string]any, []any, string,
// float64, bool, and nil, mirroring encoding/json's own decoding shape so
// schema validation can operate on the same representation either way. A
// bytes node, which JSON input never produces, decodes to []byte.
func NodeToValue(n datamodel.Node) (any, error) {
	switch n.Kind() {
	case datamodel.Kind_Null:
		return nil, nil
	case datamodel.Kind_Bool:
		return n.AsBool()
	case datamodel.Kind_Int:
		i, err := n.AsInt()
		if err != nil {
			return nil, err
		}
		return float64(i), nil
	case datamodel.Kind_Float:
		return n.AsFloat()
	case datamodel.Kind_String:
		return n.AsString()
	case datamodel.Kind_Bytes:
		b, err := n.AsBytes()
		if err != nil {
			return nil, err
		}
		return b, nil
	case datamodel.Kind_Map:
		out := make(map[string]any)
		it := n.MapIterator()
		for !it.Done() {
			k, v, err := it.Next()
			if err != nil {
				return nil, err
			}
			key, err := k.AsString()
			if err != nil {
				return nil, err
			}
			val, err := NodeToValue(v)
			if err != nil {
				return nil, err
			}
			out[key] = val
		}
		return out, nil
	case datamodel.Kind_List:
		out := make([]any, 0, n.Length())
		it := n.ListIterator()
		for !it.Done() {
			_, v, err := it.Next()
			if err != nil {
				return nil, err
			}
			val, err := NodeToValue(v)
			if err != nil {
				return nil, err
			}
			out = append(out, val)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported node kind %v", n.Kind())
	}
}
