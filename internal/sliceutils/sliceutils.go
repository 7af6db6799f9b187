package sliceutils

func Map[S any, T any](f func(s S) T, sourceArray []S) []T {
	targetArray := []T{}
	for _, sourceElement := range sourceArray {
		targetElement := f(sourceElement)
		targetArray = append(targetArray, targetElement)
	}
	return targetArray
}

func Contains[T comparable](s []T, val T) bool {
	for _, element := range s {
		if element == val {
			return true
		}
	}
	return false
}
