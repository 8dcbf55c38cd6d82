// Package kserde holds the byte codecs used by durable state and the
// changelog: generic Serializer/Deserializer pairs, an order-preserving key
// encoding for rows and a codec for record batches built on it.
package kserde

type Serde[T any] struct {
	Serializer   Serializer[T]
	Deserializer Deserializer[T]
}

type Serializer[T any] func(T) ([]byte, error)

type Deserializer[T any] func([]byte) (T, error)
