package utils

import (
	"github.com/duke-git/lancet/v2/maputil"
	"github.com/duke-git/lancet/v2/slice"
)

// SliceContains 判断切片是否包含元素
func SliceContains[T comparable](s []T, item T) bool {
	return slice.Contain(s, item)
}

// SliceUnique 切片去重
func SliceUnique[T comparable](s []T) []T {
	return slice.Unique(s)
}

// SliceFilter 过滤切片
func SliceFilter[T any](s []T, fn func(index int, item T) bool) []T {
	return slice.Filter(s, fn)
}

// SliceReverse 返回反转后的新切片，不修改入参
func SliceReverse[T any](s []T) []T {
	out := make([]T, len(s))
	copy(out, s)
	slice.Reverse(out)
	return out
}

// MapKeys 获取Map的所有键
func MapKeys[K comparable, V any](m map[K]V) []K {
	return maputil.Keys(m)
}
