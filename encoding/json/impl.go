package json

import stdjson "encoding/json"

func marshal(v interface{}) ([]byte, error) {
	return stdjson.Marshal(v)
}

func unmarshal(data []byte, v interface{}) error {
	return stdjson.Unmarshal(data, v)
}
